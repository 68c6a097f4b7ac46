package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/models"
)

type mailboxRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Provider  string `db:"provider"`
	Address   string `db:"address"`
	CreatedAt int64  `db:"created_at"`
}

func (r mailboxRow) model() models.Mailbox {
	return models.Mailbox{
		ID:        r.ID,
		UserID:    r.UserID,
		Provider:  models.Provider(r.Provider),
		Address:   r.Address,
		CreatedAt: fromMilli(r.CreatedAt),
	}
}

// CreateMailbox inserts a connected mailbox
func (s *Store) CreateMailbox(ctx context.Context, m models.Mailbox) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO mailboxes (id, user_id, provider, address, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), m.ID, m.UserID, string(m.Provider), models.NormalizeAddress(m.Address), unixMilli(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create mailbox: %w", err)
	}
	return nil
}

// GetMailbox returns a mailbox by ID
func (s *Store) GetMailbox(ctx context.Context, id string) (models.Mailbox, error) {
	var row mailboxRow
	err := s.DB.GetContext(ctx, &row, s.q(`SELECT * FROM mailboxes WHERE id = ?`), id)
	if err != nil {
		return models.Mailbox{}, notFound(err, "mailbox "+id)
	}
	return row.model(), nil
}

// FindMailbox returns the mailbox connected for provider and address
func (s *Store) FindMailbox(ctx context.Context, provider models.Provider, address string) (models.Mailbox, error) {
	var row mailboxRow
	err := s.DB.GetContext(ctx, &row, s.q(`SELECT * FROM mailboxes WHERE provider = ? AND address = ?`),
		string(provider), models.NormalizeAddress(address))
	if err != nil {
		return models.Mailbox{}, notFound(err, "mailbox "+address)
	}
	return row.model(), nil
}

// DeleteMailbox removes a mailbox together with its credential, watch and
// tracked senders. Ingested mail records are kept.
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, query := range []string{
			`DELETE FROM watches WHERE mailbox_id = ?`,
			`DELETE FROM credentials WHERE mailbox_id = ?`,
			`DELETE FROM tracked_senders WHERE mailbox_id = ?`,
			`DELETE FROM mailboxes WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), id); err != nil {
				return fmt.Errorf("failed to delete mailbox: %w", err)
			}
		}
		return nil
	})
}
