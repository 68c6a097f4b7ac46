package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

type watchRow struct {
	MailboxID       string `db:"mailbox_id"`
	Provider        string `db:"provider"`
	SubscriptionRef string `db:"subscription_ref"`
	Cursor          string `db:"cursor"`
	ExpiresAt       int64  `db:"expires_at"`
	State           string `db:"state"`
	LastError       string `db:"last_error"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r watchRow) model() models.Watch {
	return models.Watch{
		MailboxID:       r.MailboxID,
		Provider:        models.Provider(r.Provider),
		SubscriptionRef: r.SubscriptionRef,
		Cursor:          r.Cursor,
		ExpiresAt:       fromMilli(r.ExpiresAt),
		State:           models.WatchState(r.State),
		LastError:       r.LastError,
		UpdatedAt:       fromMilli(r.UpdatedAt),
	}
}

// GetWatch returns the watch of a mailbox
func (s *Store) GetWatch(ctx context.Context, mailboxID string) (models.Watch, error) {
	var row watchRow
	err := s.DB.GetContext(ctx, &row, s.q(`SELECT * FROM watches WHERE mailbox_id = ?`), mailboxID)
	if err != nil {
		return models.Watch{}, notFound(err, "watch "+mailboxID)
	}
	return row.model(), nil
}

// GetWatchBySubscription resolves a provider subscription reference to its watch
func (s *Store) GetWatchBySubscription(ctx context.Context, provider models.Provider, ref string) (models.Watch, error) {
	var row watchRow
	err := s.DB.GetContext(ctx, &row, s.q(`
		SELECT * FROM watches WHERE provider = ? AND subscription_ref = ?
	`), string(provider), ref)
	if err != nil {
		return models.Watch{}, notFound(err, "watch for subscription "+ref)
	}
	return row.model(), nil
}

// ListWatches returns every watch ordered by expiry
func (s *Store) ListWatches(ctx context.Context) ([]models.Watch, error) {
	var rows []watchRow
	if err := s.DB.SelectContext(ctx, &rows, `SELECT * FROM watches ORDER BY expires_at, mailbox_id`); err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	watches := make([]models.Watch, 0, len(rows))
	for _, r := range rows {
		watches = append(watches, r.model())
	}
	return watches, nil
}

// SaveWatch creates or fully replaces the watch of a mailbox
func (s *Store) SaveWatch(ctx context.Context, w models.Watch) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO watches (mailbox_id, provider, subscription_ref, cursor, expires_at, state, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			provider = excluded.provider,
			subscription_ref = excluded.subscription_ref,
			cursor = excluded.cursor,
			expires_at = excluded.expires_at,
			state = excluded.state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`), w.MailboxID, string(w.Provider), w.SubscriptionRef, w.Cursor, unixMilli(w.ExpiresAt),
		string(w.State), w.LastError, unixMilli(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// RenewWatch records a replacement subscription. The cursor is left alone.
func (s *Store) RenewWatch(ctx context.Context, mailboxID, ref string, expiresAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE watches
		SET subscription_ref = ?, expires_at = ?, state = ?, last_error = '', updated_at = ?
		WHERE mailbox_id = ?
	`), ref, unixMilli(expiresAt), string(models.WatchActive), unixMilli(s.now()), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to renew watch: %w", err)
	}
	return requireRow(res, "watch "+mailboxID)
}

// AdvanceCursor moves the cursor from `from` to `to` only if it still holds
// `from`. It reports false when another writer moved it first.
func (s *Store) AdvanceCursor(ctx context.Context, mailboxID, from, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE watches SET cursor = ?, updated_at = ? WHERE mailbox_id = ? AND cursor = ?
	`), to, unixMilli(s.now()), mailboxID, from)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetCursor unconditionally replaces the cursor after a full resync
func (s *Store) ResetCursor(ctx context.Context, mailboxID, cursor string) error {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE watches SET cursor = ?, updated_at = ? WHERE mailbox_id = ?
	`), cursor, unixMilli(s.now()), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return requireRow(res, "watch "+mailboxID)
}

// SetWatchState updates the state and last error of a watch
func (s *Store) SetWatchState(ctx context.Context, mailboxID string, state models.WatchState, lastErr string) error {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE watches SET state = ?, last_error = ?, updated_at = ? WHERE mailbox_id = ?
	`), string(state), lastErr, unixMilli(s.now()), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to update watch state: %w", err)
	}
	return requireRow(res, "watch "+mailboxID)
}

// DeleteWatch removes the watch of a mailbox
func (s *Store) DeleteWatch(ctx context.Context, mailboxID string) error {
	if _, err := s.DB.ExecContext(ctx, s.q(`DELETE FROM watches WHERE mailbox_id = ?`), mailboxID); err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}
	return nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffected, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}
