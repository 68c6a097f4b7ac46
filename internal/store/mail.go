package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/models"
)

type mailRow struct {
	ID                string `db:"id"`
	MailboxID         string `db:"mailbox_id"`
	SenderRef         string `db:"sender_ref"`
	ProviderMessageID string `db:"provider_message_id"`
	Subject           string `db:"subject"`
	Body              string `db:"body"`
	ReceivedAt        int64  `db:"received_at"`
	Read              bool   `db:"is_read"`
	CreatedAt         int64  `db:"created_at"`
}

// OutboxEvent is an event appended to the outbox in the same transaction as
// the record that produced it.
type OutboxEvent struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// InsertMail stores a mail record and its outbox event atomically. A record
// with the same (sender_ref, received_at) yields models.ErrIngestionConflict
// and nothing is written.
func (s *Store) InsertMail(ctx context.Context, rec models.MailRecord, ev OutboxEvent) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO mail_records
			(id, mailbox_id, sender_ref, provider_message_id, subject, body, received_at, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(sender_ref, received_at) DO NOTHING
		`), rec.ID, rec.MailboxID, rec.SenderRef, rec.ProviderMessageID, rec.Subject, rec.Body,
			unixMilli(rec.ReceivedAt), rec.Read, unixMilli(now))
		if err != nil {
			return fmt.Errorf("failed to insert mail record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return models.ErrIngestionConflict
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), now.Unix(), ev.Subject, ev.EventType, ev.Payload, ev.MsgID, now.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
		return nil
	})
}

// CountMail returns the number of records ingested for a mailbox
func (s *Store) CountMail(ctx context.Context, mailboxID string) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM mail_records WHERE mailbox_id = ?`), mailboxID); err != nil {
		return 0, fmt.Errorf("failed to count mail: %w", err)
	}
	return n, nil
}

// ListMail returns the records of a mailbox, newest first
func (s *Store) ListMail(ctx context.Context, mailboxID string, limit int) ([]models.MailRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []mailRow
	err := s.DB.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM mail_records WHERE mailbox_id = ? ORDER BY received_at DESC LIMIT ?
	`), mailboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mail: %w", err)
	}
	records := make([]models.MailRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, models.MailRecord{
			ID:                r.ID,
			MailboxID:         r.MailboxID,
			SenderRef:         r.SenderRef,
			ProviderMessageID: r.ProviderMessageID,
			Subject:           r.Subject,
			Body:              r.Body,
			ReceivedAt:        fromMilli(r.ReceivedAt),
			Read:              r.Read,
		})
	}
	return records, nil
}
