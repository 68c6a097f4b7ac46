package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/models"
)

// StateVerifier checks the clientState echoed on a notification
type StateVerifier interface {
	Verify(mailboxID, state string) bool
}

// NotificationResult is the outcome of one inbound notification
type NotificationResult struct {
	SubscriptionRef string `json:"subscription_ref"`
	MailboxID       string `json:"mailbox_id,omitempty"`
	Tally
	Cursor    string `json:"cursor,omitempty"`
	Resynced  bool   `json:"resynced,omitempty"`
	Coalesced bool   `json:"coalesced,omitempty"`
	Err       error  `json:"-"`
}

// Pipeline turns change notifications into stored mail. Each notification
// is resolved and processed on its own; a failure never affects the rest of
// the batch. The stored cursor moves only after the whole delta is stored.
type Pipeline struct {
	store     Store
	creds     Credentials
	providers Providers
	ingestor  *Ingestor
	backfill  *Backfiller
	states    map[models.Provider]StateVerifier
	logger    *slog.Logger
}

// NewPipeline creates a webhook ingestion pipeline
func NewPipeline(store Store, creds Credentials, providers Providers, ingestor *Ingestor, backfill *Backfiller, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		creds:     creds,
		providers: providers,
		ingestor:  ingestor,
		backfill:  backfill,
		states:    make(map[models.Provider]StateVerifier),
		logger:    logger,
	}
}

// RequireClientState makes notifications of provider verify their clientState
func (p *Pipeline) RequireClientState(provider models.Provider, v StateVerifier) {
	p.states[provider] = v
}

// HandleNotifications processes a batch sequentially. Notifications for a
// subscription already handled in the batch share its result, since one
// delta fetch covers them all.
func (p *Pipeline) HandleNotifications(ctx context.Context, notifications []models.Notification) []NotificationResult {
	results := make([]NotificationResult, 0, len(notifications))
	done := make(map[string]NotificationResult)

	for _, n := range notifications {
		key := string(n.Provider) + "|" + n.SubscriptionRef
		if prev, ok := done[key]; ok && prev.Err == nil {
			prev.Tally = Tally{}
			prev.Coalesced = true
			results = append(results, prev)
			continue
		}

		res := p.handle(ctx, n)
		done[key] = res
		results = append(results, res)

		logger := p.logger.With("provider", n.Provider, "subscription_ref", n.SubscriptionRef, "mailbox_id", res.MailboxID)
		switch {
		case res.Err == nil:
			logger.Info("notification processed", "inserted", res.Inserted, "duplicates", res.Duplicates, "filtered", res.Filtered, "cursor", res.Cursor)
		case errors.Is(res.Err, models.ErrUnresolvedNotification):
			logger.Warn("notification dropped", "error", res.Err)
		default:
			logger.Error("notification failed", "error", res.Err)
		}
	}
	return results
}

func (p *Pipeline) handle(ctx context.Context, n models.Notification) NotificationResult {
	res := NotificationResult{SubscriptionRef: n.SubscriptionRef}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	watch, err := p.store.GetWatchBySubscription(ctx, n.Provider, n.SubscriptionRef)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			res.Err = fmt.Errorf("subscription %s: %w", n.SubscriptionRef, models.ErrUnresolvedNotification)
		} else {
			res.Err = err
		}
		return res
	}
	res.MailboxID = watch.MailboxID

	if v, ok := p.states[n.Provider]; ok && !v.Verify(watch.MailboxID, n.ClientState) {
		res.Err = fmt.Errorf("client state mismatch: %w", models.ErrUnresolvedNotification)
		return res
	}
	if watch.State == models.WatchUnsubscribed {
		res.Err = fmt.Errorf("watch is unsubscribed: %w", models.ErrUnresolvedNotification)
		return res
	}

	provider, err := p.providers.Get(watch.Provider)
	if err != nil {
		res.Err = err
		return res
	}

	cred, err := p.creds.EnsureValid(ctx, watch.MailboxID)
	if err != nil {
		res.Err = err
		return res
	}

	changes, err := provider.ListChangesSince(ctx, cred, watch.Cursor)
	if errors.Is(err, models.ErrCursorExpired) {
		res.Resynced = true
		res.Cursor, res.Err = p.resync(ctx, provider, cred, watch)
		return res
	}
	if err != nil {
		p.onProviderError(ctx, watch.MailboxID, err)
		res.Err = err
		return res
	}

	senders, err := p.store.ListSenders(ctx, watch.MailboxID)
	if err != nil {
		res.Err = err
		return res
	}
	index := IndexSenders(senders)

	for _, ref := range changes.Added {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		status, err := fetchAndIngest(ctx, provider, cred, p.ingestor, watch.MailboxID, index, ref)
		if err != nil {
			p.onProviderError(ctx, watch.MailboxID, err)
			res.Err = fmt.Errorf("message %s: %w", ref.ID, err)
			return res
		}
		res.add(status)
	}

	// every message of the delta is durable; only now may the cursor move
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := p.advanceCursor(ctx, provider, watch.MailboxID, watch.Cursor, changes.Cursor); err != nil {
		res.Err = err
		return res
	}
	res.Cursor = changes.Cursor
	return res
}

// advanceCursor moves the cursor forward with compare-and-swap, re-reading
// it when a concurrent run moved it first. It never moves backwards. When
// the provider cannot order the stored cursor against ours, the cursor a
// concurrent run stored is kept.
func (p *Pipeline) advanceCursor(ctx context.Context, provider MailProvider, mailboxID, from, to string) error {
	for attempt := 0; attempt < 3; attempt++ {
		if provider.CompareCursor(to, from) <= 0 {
			return nil
		}
		ok, err := p.store.AdvanceCursor(ctx, mailboxID, from, to)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		w, err := p.store.GetWatch(ctx, mailboxID)
		if err != nil {
			return err
		}
		if !cursorsOrdered(provider, w.Cursor, to) {
			p.logger.Debug("concurrent cursor kept", "mailbox_id", mailboxID, "cursor", w.Cursor)
			return nil
		}
		from = w.Cursor
	}
	return fmt.Errorf("cursor of mailbox %s kept moving", mailboxID)
}

// cursorsOrdered reports whether the provider gives a and b a consistent
// order. Opaque cursors such as delta links compare as ahead of each other.
func cursorsOrdered(provider MailProvider, a, b string) bool {
	return provider.CompareCursor(a, b) == -provider.CompareCursor(b, a)
}

// resync recovers from a cursor the provider no longer accepts: the new
// position is taken first, then the full history of every tracked sender is
// ingested, and only then is the cursor replaced.
func (p *Pipeline) resync(ctx context.Context, provider MailProvider, cred models.Credential, watch models.Watch) (string, error) {
	p.logger.Warn("cursor expired, resyncing", "mailbox_id", watch.MailboxID, "cursor", watch.Cursor)

	cursor, err := provider.CurrentCursor(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("failed to get current cursor: %w", err)
	}
	if p.backfill != nil {
		if _, err := p.backfill.Resync(ctx, watch.MailboxID); err != nil {
			return "", fmt.Errorf("resync backfill failed: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.store.ResetCursor(ctx, watch.MailboxID, cursor); err != nil {
		return "", err
	}
	return cursor, nil
}

// onProviderError drops an access token the provider refused so the next
// attempt refreshes it.
func (p *Pipeline) onProviderError(ctx context.Context, mailboxID string, err error) {
	if !errors.Is(err, models.ErrTokenRejected) || ctx.Err() != nil {
		return
	}
	if ierr := p.creds.Invalidate(ctx, mailboxID); ierr != nil {
		p.logger.Warn("failed to invalidate credential", "mailbox_id", mailboxID, "error", ierr)
	}
}

func fetchAndIngest(ctx context.Context, provider MailProvider, cred models.Credential, in *Ingestor, mailboxID string, senders Senders, ref MessageRef) (IngestStatus, error) {
	raw, err := provider.FetchMessage(ctx, cred, ref)
	if errors.Is(err, models.ErrMessageNotFound) {
		return StatusSkipped, nil
	}
	if err != nil {
		return StatusSkipped, err
	}
	return in.Ingest(ctx, mailboxID, senders, raw)
}
