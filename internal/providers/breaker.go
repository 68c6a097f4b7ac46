// Package providers holds what the provider adapters share: error
// classification into the sync error taxonomy and per-mailbox circuit
// breakers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Operations used in error classification
const (
	OpListChanges        = "list_changes"
	OpFetchMessage       = "fetch_message"
	OpCreateSubscription = "create_subscription"
	OpDeleteSubscription = "delete_subscription"
	OpListHistory        = "list_history"
	OpCurrentCursor      = "current_cursor"
)

// Classify maps a failed provider call to the error taxonomy. status is the
// HTTP status of the response, zero when none was received.
func Classify(provider models.Provider, op string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", provider, op, err)
	}

	var kind error
	switch {
	case status == 0:
		kind = models.ErrProviderUnavailable
	case status == http.StatusUnauthorized:
		kind = models.ErrTokenRejected
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = notFoundKind(op)
	case status == http.StatusTooManyRequests || status >= 500:
		kind = models.ErrProviderUnavailable
	default:
		kind = models.ErrProviderRejected
	}
	return &models.ProviderError{Provider: provider, Op: op, Status: status, Kind: kind, Err: err}
}

func notFoundKind(op string) error {
	switch op {
	case OpListChanges:
		return models.ErrCursorExpired
	case OpFetchMessage:
		return models.ErrMessageNotFound
	case OpCreateSubscription, OpDeleteSubscription:
		return models.ErrSubscriptionNotFound
	default:
		return models.ErrProviderRejected
	}
}

// Breaker guards calls to one provider with a circuit per mailbox, so one
// throttled or failing account never trips calls made for another. Only
// unavailability counts as a failure; rejections and not-found answers prove
// the provider is up.
type Breaker struct {
	provider models.Provider
	logger   *slog.Logger

	mu       sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker whose circuits open after five consecutive
// unavailability errors and let calls through again after thirty seconds.
func NewBreaker(provider models.Provider, logger *slog.Logger) *Breaker {
	return &Breaker{
		provider: provider,
		logger:   logger,
		circuits: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breaker) circuit(mailboxID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.circuits[mailboxID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(b.provider) + "/" + mailboxID,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, models.ErrProviderUnavailable)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed", "provider", b.provider, "mailbox_id", mailboxID, "from", from.String(), "to", to.String())
		},
	})
	b.circuits[mailboxID] = cb
	return cb
}

// Do runs fn through the circuit of mailboxID. fn must return classified
// errors.
func (b *Breaker) Do(mailboxID, op string, fn func() error) error {
	_, err := b.circuit(mailboxID).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &models.ProviderError{Provider: b.provider, Op: op, Kind: models.ErrProviderUnavailable, Err: err}
	}
	return err
}
