package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/models"
)

// DefaultSkew is the headroom kept before an access token's expiry
const DefaultSkew = 2 * time.Minute

// defaultTokenLifetime is assumed when a token endpoint omits expires_in
const defaultTokenLifetime = time.Hour

// CredentialStore is the durable credential record surface
type CredentialStore interface {
	GetCredential(ctx context.Context, mailboxID string) (models.Credential, error)
	UpdateAccessToken(ctx context.Context, mailboxID, accessToken string, expiresAt time.Time) error
	ExpireAccessToken(ctx context.Context, mailboxID string) error
}

// Refresher exchanges a refresh token for a new access token
type Refresher interface {
	Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error)
}

// Manager decides whether a mailbox credential is usable and refreshes it
// against the provider when it is not. The store is the only source of truth;
// the cache is an accelerator that is revalidated on every read.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	cache     TokenCache
	skew      time.Duration
	now       func() time.Time
	logger    *slog.Logger
	flight    singleflight.Group
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithCache sets the token cache
func WithCache(c TokenCache) ManagerOption {
	return func(m *Manager) { m.cache = c }
}

// WithSkew sets the expiry headroom
func WithSkew(d time.Duration) ManagerOption {
	return func(m *Manager) { m.skew = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a credential lifecycle manager
func NewManager(store CredentialStore, refresher Refresher, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		cache:     NopCache{},
		skew:      DefaultSkew,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureValid returns a usable credential for the mailbox, refreshing it when
// the access token is expired or within skew of expiring.
func (m *Manager) EnsureValid(ctx context.Context, mailboxID string) (models.Credential, error) {
	cred, _, err := m.Acquire(ctx, mailboxID)
	return cred, err
}

// Acquire is EnsureValid that also reports whether a refresh happened
func (m *Manager) Acquire(ctx context.Context, mailboxID string) (models.Credential, bool, error) {
	cred, refreshed, err := m.Lease(ctx, mailboxID)
	if err != nil || !refreshed {
		return cred, refreshed, err
	}
	if err := m.Commit(ctx, cred); err != nil {
		return models.Credential{}, false, err
	}
	return cred, true, nil
}

// Lease is Acquire without persisting: a refreshed credential is returned in
// memory and stored only by Commit.
func (m *Manager) Lease(ctx context.Context, mailboxID string) (models.Credential, bool, error) {
	if cred, ok := m.cache.Get(ctx, mailboxID); ok && cred.ValidAt(m.now(), m.skew) {
		return cred, false, nil
	}

	cred, err := m.store.GetCredential(ctx, mailboxID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Credential{}, false, fmt.Errorf("mailbox %s: %w", mailboxID, models.ErrCredentialMissing)
		}
		return models.Credential{}, false, fmt.Errorf("failed to load credential: %w", err)
	}

	if cred.ValidAt(m.now(), m.skew) {
		m.cache.Set(ctx, cred)
		return cred, false, nil
	}

	if cred.RefreshToken == "" {
		return models.Credential{}, false, fmt.Errorf("mailbox %s has no refresh token: %w", mailboxID, models.ErrCredentialMissing)
	}

	v, err, _ := m.flight.Do(mailboxID, func() (interface{}, error) {
		return m.refresh(ctx, cred)
	})
	if err != nil {
		return models.Credential{}, false, err
	}
	return v.(models.Credential), true, nil
}

func (m *Manager) refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	tok, err := m.refresher.Refresh(ctx, cred.Provider, cred.RefreshToken)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			m.logger.Warn("refresh token revoked", "mailbox_id", cred.MailboxID, "provider", cred.Provider)
			return models.Credential{}, fmt.Errorf("mailbox %s consent revoked: %w", cred.MailboxID, models.ErrCredentialMissing)
		}
		return models.Credential{}, fmt.Errorf("mailbox %s: %w: %w", cred.MailboxID, models.ErrCredentialRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		return models.Credential{}, fmt.Errorf("mailbox %s: %w: empty access token", cred.MailboxID, models.ErrCredentialRefreshFailed)
	}
	if err := ctx.Err(); err != nil {
		return models.Credential{}, err
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(defaultTokenLifetime)
	}
	cred.AccessToken = tok.AccessToken
	cred.ExpiresAt = expiresAt
	cred.UpdatedAt = m.now()
	return cred, nil
}

// Commit stores a credential obtained from Lease. Nothing is written once ctx
// is done.
func (m *Manager) Commit(ctx context.Context, cred models.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.UpdateAccessToken(ctx, cred.MailboxID, cred.AccessToken, cred.ExpiresAt); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("mailbox %s disconnected: %w", cred.MailboxID, models.ErrCredentialMissing)
		}
		return fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	m.cache.Set(ctx, cred)

	m.logger.Debug("access token refreshed", "mailbox_id", cred.MailboxID, "expires_at", cred.ExpiresAt)
	return nil
}

// Invalidate forces the next EnsureValid to refresh. Used when a provider
// rejects a token the store still considers valid.
func (m *Manager) Invalidate(ctx context.Context, mailboxID string) error {
	m.cache.Invalidate(ctx, mailboxID)
	return m.store.ExpireAccessToken(ctx, mailboxID)
}

// OAuthRefresher refreshes tokens through golang.org/x/oauth2 with one config
// per provider.
type OAuthRefresher struct {
	configs map[models.Provider]*oauth2.Config
	client  *http.Client
}

// NewOAuthRefresher creates a refresher. client may be nil.
func NewOAuthRefresher(configs map[models.Provider]*oauth2.Config, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{configs: configs, client: client}
}

// Refresh performs the refresh_token grant
func (r *OAuthRefresher) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	cfg, ok := r.configs[provider]
	if !ok {
		return nil, fmt.Errorf("no oauth config for provider %s", provider)
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ProviderConfigs builds the oauth2 configs for the supported providers.
// Providers without a client ID are omitted.
func ProviderConfigs(googleID, googleSecret, msID, msSecret, msTenant string) map[models.Provider]*oauth2.Config {
	configs := make(map[models.Provider]*oauth2.Config)
	if googleID != "" {
		configs[models.ProviderGoogle] = &oauth2.Config{
			ClientID:     googleID,
			ClientSecret: googleSecret,
			Endpoint:     google.Endpoint,
		}
	}
	if msID != "" {
		if msTenant == "" {
			msTenant = "common"
		}
		configs[models.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     msID,
			ClientSecret: msSecret,
			Endpoint:     microsoft.AzureADEndpoint(msTenant),
			Scopes:       []string{"offline_access", "https://graph.microsoft.com/.default"},
		}
	}
	return configs
}
