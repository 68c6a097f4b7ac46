package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
)

const (
	dispatchBatch   = 100
	maxRetryBackoff = 5 * time.Minute
)

// Outbox is the durable queue of events awaiting publication
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers an event with broker-side deduplication on msgID
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to the event bus
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	idle      time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates an outbox dispatcher
func NewDispatcher(outbox Outbox, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{outbox: outbox, publisher: publisher, idle: 500 * time.Millisecond, logger: logger}
}

// Run continuously dispatches messages from the outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("error dequeuing outbox", "error", err)
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = d.idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due messages and returns how many it
// attempted. Failed messages are rescheduled with exponential backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, dispatchBatch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := retryBackoff(msg.Retries)
			d.logger.Warn("error publishing message", "id", msg.ID, "retries", msg.Retries, "backoff", backoff, "error", err)
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.logger.Error("error scheduling retry", "id", msg.ID, "error", err)
			}
			continue
		}

		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("error marking message as published", "id", msg.ID, "error", err)
		}
	}
	return len(messages), nil
}

func retryBackoff(retries int) time.Duration {
	if retries > 8 {
		return maxRetryBackoff
	}
	backoff := time.Second << retries
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}
