package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

type credentialRow struct {
	MailboxID    string `db:"mailbox_id"`
	Provider     string `db:"provider"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	ExpiresAt    int64  `db:"expires_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// GetCredential loads the credential of a mailbox
func (s *Store) GetCredential(ctx context.Context, mailboxID string) (models.Credential, error) {
	var row credentialRow
	err := s.DB.GetContext(ctx, &row, s.q(`SELECT * FROM credentials WHERE mailbox_id = ?`), mailboxID)
	if err != nil {
		return models.Credential{}, notFound(err, "credential "+mailboxID)
	}
	return models.Credential{
		MailboxID:    row.MailboxID,
		Provider:     models.Provider(row.Provider),
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    fromMilli(row.ExpiresAt),
		UpdatedAt:    fromMilli(row.UpdatedAt),
	}, nil
}

// SaveGrant stores the credential of a fresh consent grant, replacing any
// previous grant for the mailbox including its refresh token.
func (s *Store) SaveGrant(ctx context.Context, c models.Credential) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO credentials (mailbox_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), c.MailboxID, string(c.Provider), c.AccessToken, c.RefreshToken, unixMilli(c.ExpiresAt), unixMilli(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// UpdateAccessToken replaces the access token and expiry of an existing
// credential. The refresh token is never touched. Last writer wins.
func (s *Store) UpdateAccessToken(ctx context.Context, mailboxID, accessToken string, expiresAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE credentials SET access_token = ?, expires_at = ?, updated_at = ?
		WHERE mailbox_id = ?
	`), accessToken, unixMilli(expiresAt), unixMilli(s.now()), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	return requireRow(res, "credential "+mailboxID)
}

// ExpireAccessToken forces the next validity check to refresh
func (s *Store) ExpireAccessToken(ctx context.Context, mailboxID string) error {
	_, err := s.DB.ExecContext(ctx, s.q(`UPDATE credentials SET expires_at = 0, updated_at = ? WHERE mailbox_id = ?`),
		unixMilli(s.now()), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to expire access token: %w", err)
	}
	return nil
}
