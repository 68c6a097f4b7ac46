package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type publishedMsg struct {
	subject string
	payload []byte
	msgID   string
}

type fakePublisher struct {
	fail map[string]bool
	sent []publishedMsg
}

func (p *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	if p.fail[msgID] {
		return errors.New("nats: no responders available for request")
	}
	p.sent = append(p.sent, publishedMsg{subject: subject, payload: payload, msgID: msgID})
	return nil
}

func TestDispatcherPublishesIngestedMail(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "mb1", "news@example.com")
	e.provider.add("m1", "news@example.com", baseTime)
	e.provider.add("m2", "news@example.com", baseTime.Add(time.Minute))
	if res := e.notify(context.Background(), "sub-mb1")[0]; res.Inserted != 2 {
		t.Fatalf("notify = %+v", res)
	}

	pub := &fakePublisher{}
	d := NewDispatcher(e.store, pub, e.logger)
	n, err := d.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if n != 2 || len(pub.sent) != 2 {
		t.Fatalf("dispatched %d, published %d, want 2", n, len(pub.sent))
	}

	msg := pub.sent[0]
	if msg.subject != "mail.mb1.ingested" {
		t.Errorf("subject = %q", msg.subject)
	}
	var ev MailIngestedEvent
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.MailboxID != "mb1" || ev.Sender != "news@example.com" || ev.ReceivedAt != baseTime.UnixMilli() {
		t.Errorf("event = %+v", ev)
	}
	wantID := EventMailIngested + "|" + ev.SenderRef + "|" + "1772355600000"
	if msg.msgID != wantID {
		t.Errorf("msg id = %q, want %q", msg.msgID, wantID)
	}

	// published rows are not sent again
	n, err = d.DispatchOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second dispatch = %d, %v", n, err)
	}
}

func TestDispatcherReschedulesFailures(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "mb1", "news@example.com")
	e.provider.add("m1", "news@example.com", baseTime)
	e.notify(context.Background(), "sub-mb1")

	pending, err := e.store.DequeueOutbox(context.Background(), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("DequeueOutbox = %d, %v", len(pending), err)
	}

	pub := &fakePublisher{fail: map[string]bool{pending[0].MsgID: true}}
	d := NewDispatcher(e.store, pub, e.logger)
	before := time.Now().Unix()
	if _, err := d.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("published %d messages", len(pub.sent))
	}

	var row struct {
		Retries     int    `db:"retries"`
		NextAttempt int64  `db:"next_attempt_at"`
		Published   *int64 `db:"published_at"`
	}
	if err := e.store.DB.Get(&row, `SELECT retries, next_attempt_at, published_at FROM outbox WHERE id = ?`, pending[0].ID); err != nil {
		t.Fatalf("load outbox row: %v", err)
	}
	if row.Retries != 1 || row.Published != nil {
		t.Errorf("outbox row = %+v, want one retry and unpublished", row)
	}
	if row.NextAttempt <= before {
		t.Errorf("next attempt %d not pushed back", row.NextAttempt)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.retries); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}
