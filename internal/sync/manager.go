package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
)

var (
	// ErrInvalidSender is returned when a tracked sender address is malformed
	ErrInvalidSender = errors.New("invalid sender address")
	// ErrMailboxOwned means the account is already connected by another user
	ErrMailboxOwned = errors.New("mailbox connected by another user")
	// ErrBackfillRunning means an onboarding run is already in progress
	ErrBackfillRunning = errors.New("backfill already running")
)

// GrantSource imports consent grants from the auth server
type GrantSource interface {
	FetchGrant(ctx context.Context, userJWT string, provider models.Provider) (auth.Grant, error)
}

// Targets builds subscription targets for the webhook endpoints at BaseURL
type Targets struct {
	BaseURL string
	States  *auth.ClientState
}

// Target returns the notification target of mb
func (t Targets) Target(mb models.Mailbox) SubscriptionTarget {
	target := SubscriptionTarget{
		MailboxID: mb.ID,
		Address:   mb.Address,
	}
	base := strings.TrimRight(t.BaseURL, "/")
	switch mb.Provider {
	case models.ProviderGoogle:
		target.NotifyURL = base + "/webhooks/gmail"
	case models.ProviderMicrosoft:
		target.NotifyURL = base + "/webhooks/outlook"
		if t.States != nil {
			target.ClientState = t.States.For(mb.ID)
		}
	}
	return target
}

// Manager connects and disconnects mailboxes and runs onboarding jobs
type Manager struct {
	store        Store
	creds        Credentials
	grants       GrantSource
	providers    Providers
	targets      TargetBuilder
	backfill     *Backfiller
	timeout      time.Duration
	logger       *slog.Logger
	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

// NewManager creates a mailbox manager. Background backfills started with
// StartBackfill are bounded by timeout.
func NewManager(store Store, creds Credentials, grants GrantSource, providers Providers, targets TargetBuilder, backfill *Backfiller, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Manager{
		store:     store,
		creds:     creds,
		grants:    grants,
		providers: providers,
		targets:   targets,
		backfill:  backfill,
		timeout:   timeout,
		logger:    logger,
		runners:   make(map[string]context.CancelFunc),
	}
}

// Connect imports the user's consent grant for provider and starts watching
// the mailbox. Reconnecting an account keeps its id and cursor.
func (m *Manager) Connect(ctx context.Context, userID, userJWT string, provider models.Provider) (models.Mailbox, error) {
	if !provider.Valid() {
		return models.Mailbox{}, fmt.Errorf("unsupported provider %q", provider)
	}
	mp, err := m.providers.Get(provider)
	if err != nil {
		return models.Mailbox{}, err
	}

	grant, err := m.grants.FetchGrant(ctx, userJWT, provider)
	if err != nil {
		return models.Mailbox{}, fmt.Errorf("failed to fetch grant: %w", err)
	}

	address := models.NormalizeAddress(grant.Address)
	mb, err := m.store.FindMailbox(ctx, provider, address)
	switch {
	case err == nil:
		if mb.UserID != userID {
			return models.Mailbox{}, ErrMailboxOwned
		}
	case errors.Is(err, models.ErrNotFound):
		mb = models.Mailbox{
			ID:        uuid.NewString(),
			UserID:    userID,
			Provider:  provider,
			Address:   address,
			CreatedAt: time.Now(),
		}
		if err := m.store.CreateMailbox(ctx, mb); err != nil {
			return models.Mailbox{}, err
		}
	default:
		return models.Mailbox{}, err
	}
	logger := m.logger.With("mailbox_id", mb.ID, "provider", provider)

	if err := m.store.SaveGrant(ctx, models.Credential{
		MailboxID:    mb.ID,
		Provider:     provider,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.Expiry,
	}); err != nil {
		return models.Mailbox{}, err
	}

	cred, err := m.creds.EnsureValid(ctx, mb.ID)
	if err != nil {
		return models.Mailbox{}, err
	}

	cursor := ""
	if w, err := m.store.GetWatch(ctx, mb.ID); err == nil {
		cursor = w.Cursor
		if w.SubscriptionRef != "" {
			if err := mp.DeleteSubscription(ctx, cred, w.SubscriptionRef); err != nil {
				logger.Warn("failed to delete previous subscription", "error", err)
			}
		}
	}
	if cursor == "" {
		if cursor, err = mp.CurrentCursor(ctx, cred); err != nil {
			return models.Mailbox{}, fmt.Errorf("failed to seed cursor: %w", err)
		}
	}

	sub, err := mp.CreateSubscription(ctx, cred, m.targets.Target(mb))
	if err != nil {
		return models.Mailbox{}, fmt.Errorf("failed to subscribe: %w", err)
	}

	if err := m.store.SaveWatch(ctx, models.Watch{
		MailboxID:       mb.ID,
		Provider:        provider,
		SubscriptionRef: sub.Ref,
		Cursor:          cursor,
		ExpiresAt:       sub.ExpiresAt,
		State:           models.WatchActive,
	}); err != nil {
		return models.Mailbox{}, err
	}

	logger.Info("mailbox connected", "address", mb.Address, "expires_at", sub.ExpiresAt)
	return mb, nil
}

// Disconnect stops watching a mailbox and removes its credential and
// tracked senders. Stored mail is kept.
func (m *Manager) Disconnect(ctx context.Context, mailboxID string) error {
	mb, err := m.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return err
	}
	m.StopBackfill(mailboxID)
	logger := m.logger.With("mailbox_id", mailboxID, "provider", mb.Provider)

	if w, err := m.store.GetWatch(ctx, mailboxID); err == nil && w.SubscriptionRef != "" {
		if err := m.unsubscribe(ctx, mb.Provider, w); err != nil {
			logger.Warn("failed to delete subscription", "subscription_ref", w.SubscriptionRef, "error", err)
		}
	}

	if err := m.creds.Invalidate(ctx, mailboxID); err != nil && !errors.Is(err, models.ErrNotFound) {
		logger.Warn("failed to invalidate credential", "error", err)
	}
	if err := m.store.DeleteMailbox(ctx, mailboxID); err != nil {
		return err
	}

	logger.Info("mailbox disconnected")
	return nil
}

func (m *Manager) unsubscribe(ctx context.Context, provider models.Provider, w models.Watch) error {
	mp, err := m.providers.Get(provider)
	if err != nil {
		return err
	}
	cred, err := m.creds.EnsureValid(ctx, w.MailboxID)
	if err != nil {
		return err
	}
	return mp.DeleteSubscription(ctx, cred, w.SubscriptionRef)
}

// Mailbox returns a connected mailbox
func (m *Manager) Mailbox(ctx context.Context, mailboxID string) (models.Mailbox, error) {
	return m.store.GetMailbox(ctx, mailboxID)
}

// AddSenders validates and tracks sender addresses, returning how many were
// new. Already tracked senders keep their onboarding state.
func (m *Manager) AddSenders(ctx context.Context, mailboxID string, addresses []string) (int, error) {
	if _, err := m.store.GetMailbox(ctx, mailboxID); err != nil {
		return 0, err
	}

	clean := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = models.NormalizeAddress(a)
		if err := checkmail.ValidateFormat(a); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSender, a)
		}
		clean = append(clean, a)
	}
	if len(clean) == 0 {
		return 0, nil
	}

	added, err := m.store.AddSenders(ctx, mailboxID, clean)
	if err != nil {
		return 0, err
	}
	m.logger.Info("senders tracked", "mailbox_id", mailboxID, "added", added)
	return added, nil
}

// StartBackfill onboards the pending senders of a mailbox in the background
func (m *Manager) StartBackfill(mailboxID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[mailboxID]; exists {
		return ErrBackfillRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.runners[mailboxID] = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer cancel()

		logger := m.logger.With("mailbox_id", mailboxID)
		logger.Info("backfill start")
		res, err := m.backfill.Backfill(ctx, mailboxID)
		if err != nil {
			logger.Error("backfill error", "processed", res.Processed, "onboarded", res.Onboarded, "error", err)
		} else {
			logger.Info("backfill done", "processed", res.Processed, "onboarded", res.Onboarded)
		}

		m.runnersMutex.Lock()
		delete(m.runners, mailboxID)
		m.runnersMutex.Unlock()
	}()

	return nil
}

// StopBackfill cancels a running backfill, if any
func (m *Manager) StopBackfill(mailboxID string) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if cancel, exists := m.runners[mailboxID]; exists {
		cancel()
		delete(m.runners, mailboxID)
	}
}

// IsRunning checks if a backfill is running for a mailbox
func (m *Manager) IsRunning(mailboxID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[mailboxID]
	return exists
}

// Wait blocks until every running backfill has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

// StopAll cancels every running backfill and waits for them to return
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	for id, cancel := range m.runners {
		m.logger.Info("stopping backfill", "mailbox_id", id)
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
	m.runnersMutex.Unlock()

	m.wg.Wait()
}
