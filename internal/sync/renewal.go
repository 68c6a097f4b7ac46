package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/models"
)

// OutcomeKind is the result class of one watch in a sweep
type OutcomeKind string

const (
	OutcomeRenewed        OutcomeKind = "renewed"
	OutcomeRefreshedToken OutcomeKind = "refreshed-token"
	OutcomeUnchanged      OutcomeKind = "unchanged"
	OutcomeError          OutcomeKind = "error"
)

// Cause classifies a failed outcome
type Cause string

const (
	CauseToken             Cause = "token"
	CauseNetwork           Cause = "network"
	CauseProviderRejection Cause = "provider-rejection"
)

// Outcome is the per-watch result of a sweep
type Outcome struct {
	MailboxID string          `json:"mailbox_id"`
	Provider  models.Provider `json:"provider"`
	Kind      OutcomeKind     `json:"outcome"`
	Cause     Cause           `json:"cause,omitempty"`
	Error     string          `json:"error,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
	Err       error           `json:"-"`
}

// ClassifyCause maps an error to the cause reported in an Outcome
func ClassifyCause(err error) Cause {
	switch {
	case errors.Is(err, models.ErrCredentialMissing),
		errors.Is(err, models.ErrCredentialRefreshFailed),
		errors.Is(err, models.ErrTokenRejected):
		return CauseToken
	case errors.Is(err, models.ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CauseNetwork
	default:
		return CauseProviderRejection
	}
}

// Reporter receives sweep failures worth a human's attention
type Reporter interface {
	ReportOutcome(o Outcome)
}

// TargetBuilder describes where a mailbox's notifications are delivered
type TargetBuilder interface {
	Target(mb models.Mailbox) SubscriptionTarget
}

// SchedulerConfig tunes a renewal sweep
type SchedulerConfig struct {
	Threshold time.Duration
	Workers   int
	Retries   int
	Backoff   time.Duration
}

// DefaultSchedulerConfig renews a day ahead with a pool of eight
var DefaultSchedulerConfig = SchedulerConfig{
	Threshold: 24 * time.Hour,
	Workers:   8,
	Retries:   3,
	Backoff:   time.Second,
}

// Scheduler keeps push subscriptions and their credentials alive
type Scheduler struct {
	store     Store
	creds     Credentials
	providers Providers
	targets   TargetBuilder
	reporter  Reporter
	cfg       SchedulerConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewScheduler creates a renewal scheduler
func NewScheduler(store Store, creds Credentials, providers Providers, targets TargetBuilder, reporter Reporter, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultSchedulerConfig.Workers
	}
	if cfg.Retries < 1 {
		cfg.Retries = DefaultSchedulerConfig.Retries
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultSchedulerConfig.Threshold
	}
	return &Scheduler{
		store:     store,
		creds:     creds,
		providers: providers,
		targets:   targets,
		reporter:  reporter,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// Sweep checks every watch once. A failing watch yields an error outcome and
// never stops the others. The returned error is only for failing to list
// watches.
func (s *Scheduler) Sweep(ctx context.Context) ([]Outcome, error) {
	watches, err := s.store.ListWatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}

	outcomes := make([]Outcome, len(watches))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, w := range watches {
		g.Go(func() error {
			outcomes[i] = s.sweepOne(ctx, w)
			return nil
		})
	}
	_ = g.Wait()

	var renewed, failed int
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeRenewed:
			renewed++
		case OutcomeError:
			failed++
		}
	}
	s.logger.Info("renewal sweep finished", "watches", len(watches), "renewed", renewed, "failed", failed)
	return outcomes, nil
}

func (s *Scheduler) sweepOne(ctx context.Context, w models.Watch) Outcome {
	out := Outcome{MailboxID: w.MailboxID, Provider: w.Provider, ExpiresAt: w.ExpiresAt}
	logger := s.logger.With("mailbox_id", w.MailboxID, "provider", w.Provider)

	if w.State == models.WatchUnsubscribed {
		out.Kind = OutcomeUnchanged
		return out
	}
	if err := ctx.Err(); err != nil {
		return s.fail(ctx, logger, w, out, err, false)
	}

	phase := w.Phase(s.now(), s.cfg.Threshold)
	due := phase == models.WatchExpiring || phase == models.WatchFailed

	// a refreshed token is only stored once this watch's sweep commits
	cred, refreshed, err := s.creds.Lease(ctx, w.MailboxID)
	if err != nil {
		return s.fail(ctx, logger, w, out, err, due)
	}
	if !due {
		out.Kind = OutcomeUnchanged
		if refreshed {
			if err := s.creds.Commit(ctx, cred); err != nil {
				return s.fail(ctx, logger, w, out, err, false)
			}
			out.Kind = OutcomeRefreshedToken
		}
		return out
	}

	sub, err := s.renew(ctx, logger, w, cred)
	if err != nil {
		if refreshed && ctx.Err() == nil {
			if cerr := s.creds.Commit(ctx, cred); cerr != nil {
				logger.Warn("failed to store refreshed credential", "error", cerr)
			}
		}
		return s.fail(ctx, logger, w, out, err, true)
	}

	// a renewal finished after the deadline is dropped; the new subscription
	// expires on its own
	if err := ctx.Err(); err != nil {
		return s.fail(ctx, logger, w, out, err, false)
	}
	commitCtx := context.WithoutCancel(ctx)
	if refreshed {
		if err := s.creds.Commit(commitCtx, cred); err != nil {
			return s.fail(ctx, logger, w, out, err, false)
		}
	}
	if err := s.store.RenewWatch(commitCtx, w.MailboxID, sub.Ref, sub.ExpiresAt); err != nil {
		return s.fail(ctx, logger, w, out, err, false)
	}

	logger.Info("watch renewed", "expires_at", sub.ExpiresAt)
	out.Kind = OutcomeRenewed
	out.ExpiresAt = sub.ExpiresAt
	return out
}

func (s *Scheduler) renew(ctx context.Context, logger *slog.Logger, w models.Watch, cred models.Credential) (Subscription, error) {
	provider, err := s.providers.Get(w.Provider)
	if err != nil {
		return Subscription{}, err
	}
	mb, err := s.store.GetMailbox(ctx, w.MailboxID)
	if err != nil {
		return Subscription{}, err
	}

	if w.SubscriptionRef != "" {
		if err := provider.DeleteSubscription(ctx, cred, w.SubscriptionRef); err != nil {
			logger.Warn("failed to delete old subscription", "subscription_ref", w.SubscriptionRef, "error", err)
		}
	}

	target := s.targets.Target(mb)
	return withRetry(ctx, s.cfg.Retries, s.cfg.Backoff, func() (Subscription, error) {
		return provider.CreateSubscription(ctx, cred, target)
	})
}

// fail records an error outcome. The watch is marked FAILED only when a due
// renewal could not complete and the sweep still had time left.
func (s *Scheduler) fail(ctx context.Context, logger *slog.Logger, w models.Watch, out Outcome, err error, markFailed bool) Outcome {
	out.Kind = OutcomeError
	out.Cause = ClassifyCause(err)
	out.Err = err
	out.Error = err.Error()

	if errors.Is(err, models.ErrTokenRejected) && ctx.Err() == nil {
		if ierr := s.creds.Invalidate(ctx, w.MailboxID); ierr != nil {
			logger.Warn("failed to invalidate credential", "error", ierr)
		}
	}
	if markFailed && ctx.Err() == nil {
		if serr := s.store.SetWatchState(ctx, w.MailboxID, models.WatchFailed, err.Error()); serr != nil {
			logger.Error("failed to mark watch failed", "error", serr)
		}
	}

	logger.Error("watch sweep failed", "cause", out.Cause, "error", err)
	if s.reporter != nil && ctx.Err() == nil {
		s.reporter.ReportOutcome(out)
	}
	return out
}

// Run sweeps every interval until ctx is done. Each sweep gets its own
// deadline of timeout.
func (s *Scheduler) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, timeout)
			if _, err := s.Sweep(sweepCtx); err != nil {
				s.logger.Error("renewal sweep failed", "error", err)
			}
			cancel()
		}
	}
}
