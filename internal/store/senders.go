package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/models"
)

type senderRow struct {
	ID        string `db:"id"`
	MailboxID string `db:"mailbox_id"`
	Address   string `db:"address"`
	Onboarded bool   `db:"onboarded"`
	CreatedAt int64  `db:"created_at"`
}

// AddSenders allow-lists addresses for a mailbox. Addresses already tracked
// are left untouched; the number of newly tracked senders is returned.
func (s *Store) AddSenders(ctx context.Context, mailboxID string, addresses []string) (int, error) {
	added := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO tracked_senders (id, mailbox_id, address, onboarded, created_at)
			VALUES (?, ?, ?, FALSE, ?)
			ON CONFLICT(mailbox_id, address) DO NOTHING
		`)
		now := unixMilli(s.now())
		for _, addr := range addresses {
			res, err := tx.ExecContext(ctx, query, uuid.NewString(), mailboxID, models.NormalizeAddress(addr), now)
			if err != nil {
				return fmt.Errorf("failed to add sender %s: %w", addr, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// ListSenders returns the tracked senders of a mailbox in insertion order
func (s *Store) ListSenders(ctx context.Context, mailboxID string) ([]models.TrackedSender, error) {
	var rows []senderRow
	err := s.DB.SelectContext(ctx, &rows, s.q(`
		SELECT * FROM tracked_senders WHERE mailbox_id = ? ORDER BY created_at, address
	`), mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list senders: %w", err)
	}
	senders := make([]models.TrackedSender, 0, len(rows))
	for _, r := range rows {
		senders = append(senders, models.TrackedSender{
			ID:        r.ID,
			MailboxID: r.MailboxID,
			Address:   r.Address,
			Onboarded: r.Onboarded,
		})
	}
	return senders, nil
}

// MarkOnboarded flips the onboarded flag of a sender. It reports whether the
// flag changed; a sender already onboarded is never reset.
func (s *Store) MarkOnboarded(ctx context.Context, senderID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE tracked_senders SET onboarded = TRUE WHERE id = ? AND onboarded = FALSE
	`), senderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark sender onboarded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
