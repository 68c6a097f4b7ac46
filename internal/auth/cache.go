package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/Martian-dev/mailsync/internal/models"
)

// TokenCache is an optional short-lived cache of access tokens. Entries never
// carry refresh tokens and are revalidated against their expiry on read.
type TokenCache interface {
	Get(ctx context.Context, mailboxID string) (models.Credential, bool)
	Set(ctx context.Context, cred models.Credential)
	Invalidate(ctx context.Context, mailboxID string)
}

// NopCache caches nothing
type NopCache struct{}

func (NopCache) Get(context.Context, string) (models.Credential, bool) { return models.Credential{}, false }
func (NopCache) Set(context.Context, models.Credential)                {}
func (NopCache) Invalidate(context.Context, string)                    {}

type cachedToken struct {
	Provider    models.Provider `json:"provider"`
	AccessToken string          `json:"access_token"`
	ExpiresAt   int64           `json:"expires_at"`
}

// RedisTokenCache stores access tokens in Redis until they expire
type RedisTokenCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisTokenCache creates a cache on top of an existing Redis client
func NewRedisTokenCache(client *redis.Client, logger *slog.Logger) *RedisTokenCache {
	return &RedisTokenCache{client: client, prefix: "mailsync:token:", logger: logger}
}

func (c *RedisTokenCache) Get(ctx context.Context, mailboxID string) (models.Credential, bool) {
	raw, err := c.client.Get(ctx, c.prefix+mailboxID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("token cache read failed", "mailbox_id", mailboxID, "error", err)
		}
		return models.Credential{}, false
	}
	var t cachedToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.Credential{}, false
	}
	return models.Credential{
		MailboxID:   mailboxID,
		Provider:    t.Provider,
		AccessToken: t.AccessToken,
		ExpiresAt:   time.Unix(t.ExpiresAt, 0),
	}, true
}

func (c *RedisTokenCache) Set(ctx context.Context, cred models.Credential) {
	ttl := time.Until(cred.ExpiresAt)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(cachedToken{
		Provider:    cred.Provider,
		AccessToken: cred.AccessToken,
		ExpiresAt:   cred.ExpiresAt.Unix(),
	})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+cred.MailboxID, raw, ttl).Err(); err != nil {
		c.logger.Warn("token cache write failed", "mailbox_id", cred.MailboxID, "error", err)
	}
}

func (c *RedisTokenCache) Invalidate(ctx context.Context, mailboxID string) {
	if err := c.client.Del(ctx, c.prefix+mailboxID).Err(); err != nil {
		c.logger.Warn("token cache delete failed", "mailbox_id", mailboxID, "error", err)
	}
}
