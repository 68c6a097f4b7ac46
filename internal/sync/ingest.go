package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Store is the persisted state the sync engine reads and writes
type Store interface {
	CreateMailbox(ctx context.Context, m models.Mailbox) error
	GetMailbox(ctx context.Context, id string) (models.Mailbox, error)
	FindMailbox(ctx context.Context, provider models.Provider, address string) (models.Mailbox, error)
	DeleteMailbox(ctx context.Context, id string) error

	SaveGrant(ctx context.Context, c models.Credential) error

	GetWatch(ctx context.Context, mailboxID string) (models.Watch, error)
	GetWatchBySubscription(ctx context.Context, provider models.Provider, ref string) (models.Watch, error)
	ListWatches(ctx context.Context) ([]models.Watch, error)
	SaveWatch(ctx context.Context, w models.Watch) error
	RenewWatch(ctx context.Context, mailboxID, ref string, expiresAt time.Time) error
	AdvanceCursor(ctx context.Context, mailboxID, from, to string) (bool, error)
	ResetCursor(ctx context.Context, mailboxID, cursor string) error
	SetWatchState(ctx context.Context, mailboxID string, state models.WatchState, lastErr string) error

	AddSenders(ctx context.Context, mailboxID string, addresses []string) (int, error)
	ListSenders(ctx context.Context, mailboxID string) ([]models.TrackedSender, error)
	MarkOnboarded(ctx context.Context, senderID string) (bool, error)

	InsertMail(ctx context.Context, rec models.MailRecord, ev store.OutboxEvent) error
}

// Credentials hands out usable credentials
type Credentials interface {
	EnsureValid(ctx context.Context, mailboxID string) (models.Credential, error)
	Lease(ctx context.Context, mailboxID string) (models.Credential, bool, error)
	Commit(ctx context.Context, cred models.Credential) error
	Invalidate(ctx context.Context, mailboxID string) error
}

// IngestStatus is what happened to one message
type IngestStatus int

const (
	StatusInserted IngestStatus = iota
	StatusDuplicate
	StatusFiltered
	StatusSkipped
)

func (s IngestStatus) String() string {
	switch s {
	case StatusInserted:
		return "inserted"
	case StatusDuplicate:
		return "duplicate"
	case StatusFiltered:
		return "filtered"
	default:
		return "skipped"
	}
}

// EventMailIngested is the outbox event type of a new MailRecord
const EventMailIngested = "mail.ingested"

// MailIngestedEvent is published for every newly stored MailRecord
type MailIngestedEvent struct {
	EventID           string `json:"event_id"`
	MailboxID         string `json:"mailbox_id"`
	RecordID          string `json:"record_id"`
	SenderRef         string `json:"sender_ref"`
	Sender            string `json:"sender"`
	ProviderMessageID string `json:"provider_message_id"`
	Subject           string `json:"subject"`
	ReceivedAt        int64  `json:"received_at"`
}

// Senders indexes a mailbox's tracked senders by normalized address
type Senders map[string]models.TrackedSender

// IndexSenders builds the allow-list of a mailbox
func IndexSenders(senders []models.TrackedSender) Senders {
	idx := make(Senders, len(senders))
	for _, s := range senders {
		idx[models.NormalizeAddress(s.Address)] = s
	}
	return idx
}

// Ingestor normalizes provider messages and stores those from tracked
// senders. Duplicate deliveries collapse on (sender_ref, received_at).
type Ingestor struct {
	store  Store
	logger *slog.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(store Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: store, logger: logger}
}

// Ingest stores raw for mailboxID if its sender is in senders. Messages that
// cannot be normalized are skipped, not failed, so they never pin a cursor.
func (in *Ingestor) Ingest(ctx context.Context, mailboxID string, senders Senders, raw RawMessage) (IngestStatus, error) {
	msg, err := Normalize(raw)
	if err != nil {
		in.logger.Warn("skipping unparseable message", "mailbox_id", mailboxID, "message_id", raw.Ref.ID, "error", err)
		return StatusSkipped, nil
	}

	sender, ok := senders[msg.From]
	if !ok {
		return StatusFiltered, nil
	}

	received := msg.ReceivedAt.Truncate(time.Millisecond)
	rec := models.MailRecord{
		ID:                uuid.NewString(),
		MailboxID:         mailboxID,
		SenderRef:         sender.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Subject:           msg.Subject,
		Body:              msg.Body,
		ReceivedAt:        received,
		Read:              false,
	}

	payload, err := json.Marshal(MailIngestedEvent{
		EventID:           uuid.NewString(),
		MailboxID:         mailboxID,
		RecordID:          rec.ID,
		SenderRef:         rec.SenderRef,
		Sender:            msg.From,
		ProviderMessageID: rec.ProviderMessageID,
		Subject:           rec.Subject,
		ReceivedAt:        received.UnixMilli(),
	})
	if err != nil {
		return StatusSkipped, fmt.Errorf("failed to encode event: %w", err)
	}

	err = in.store.InsertMail(ctx, rec, store.OutboxEvent{
		Subject:   fmt.Sprintf("mail.%s.ingested", mailboxID),
		EventType: EventMailIngested,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%d", EventMailIngested, rec.SenderRef, received.UnixMilli()),
	})
	if errors.Is(err, models.ErrIngestionConflict) {
		return StatusDuplicate, nil
	}
	if err != nil {
		return StatusSkipped, err
	}
	return StatusInserted, nil
}

// Tally counts ingest outcomes
type Tally struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Filtered   int `json:"filtered"`
	Skipped    int `json:"skipped"`
}

func (t *Tally) add(s IngestStatus) {
	switch s {
	case StatusInserted:
		t.Inserted++
	case StatusDuplicate:
		t.Duplicates++
	case StatusFiltered:
		t.Filtered++
	default:
		t.Skipped++
	}
}

// Total is the number of messages handled
func (t Tally) Total() int {
	return t.Inserted + t.Duplicates + t.Filtered + t.Skipped
}
