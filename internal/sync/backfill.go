package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/models"
)

// BackfillResult summarizes an onboarding run. Processed counts messages
// handled, Onboarded the senders whose flag flipped in this run.
type BackfillResult struct {
	Processed int   `json:"processed"`
	Onboarded int   `json:"onboarded"`
	Tally     Tally `json:"tally"`
}

// Backfiller ingests the complete history of tracked senders
type Backfiller struct {
	store     Store
	creds     Credentials
	providers Providers
	ingestor  *Ingestor
	logger    *slog.Logger
}

// NewBackfiller creates a backfiller
func NewBackfiller(store Store, creds Credentials, providers Providers, ingestor *Ingestor, logger *slog.Logger) *Backfiller {
	return &Backfiller{store: store, creds: creds, providers: providers, ingestor: ingestor, logger: logger}
}

// Backfill onboards the senders of a mailbox that are not onboarded yet
func (b *Backfiller) Backfill(ctx context.Context, mailboxID string) (BackfillResult, error) {
	return b.run(ctx, mailboxID, false)
}

// Resync re-ingests the history of every tracked sender of a mailbox
func (b *Backfiller) Resync(ctx context.Context, mailboxID string) (BackfillResult, error) {
	return b.run(ctx, mailboxID, true)
}

func (b *Backfiller) run(ctx context.Context, mailboxID string, all bool) (BackfillResult, error) {
	var result BackfillResult
	logger := b.logger.With("mailbox_id", mailboxID)

	mb, err := b.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return result, err
	}
	senders, err := b.store.ListSenders(ctx, mailboxID)
	if err != nil {
		return result, err
	}

	var targets []models.TrackedSender
	for _, s := range senders {
		if all || !s.Onboarded {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return result, nil
	}

	provider, err := b.providers.Get(mb.Provider)
	if err != nil {
		return result, err
	}
	cred, err := b.creds.EnsureValid(ctx, mailboxID)
	if err != nil {
		return result, err
	}
	index := IndexSenders(senders)

	var errs []error
	for _, s := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		tally, err := b.sender(ctx, provider, cred, mailboxID, index, s)
		result.Processed += tally.Total()
		result.Tally.Inserted += tally.Inserted
		result.Tally.Duplicates += tally.Duplicates
		result.Tally.Filtered += tally.Filtered
		result.Tally.Skipped += tally.Skipped
		if err != nil {
			logger.Error("sender backfill failed", "sender", s.Address, "processed", tally.Total(), "error", err)
			errs = append(errs, fmt.Errorf("sender %s: %w", s.Address, err))
			if errors.Is(err, models.ErrTokenRejected) {
				if ierr := b.creds.Invalidate(ctx, mailboxID); ierr != nil {
					logger.Warn("failed to invalidate credential", "error", ierr)
				}
				break
			}
			continue
		}

		// a run cut short by its deadline must not look complete
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if s.Onboarded {
			continue
		}
		flipped, err := b.store.MarkOnboarded(ctx, s.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if flipped {
			result.Onboarded++
			logger.Info("sender onboarded", "sender", s.Address, "messages", tally.Total())
		}
	}

	return result, errors.Join(errs...)
}

func (b *Backfiller) sender(ctx context.Context, provider MailProvider, cred models.Credential, mailboxID string, index Senders, s models.TrackedSender) (Tally, error) {
	var tally Tally
	err := provider.ListHistory(ctx, cred, s.Address, func(ref MessageRef) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := fetchAndIngest(ctx, provider, cred, b.ingestor, mailboxID, index, ref)
		if err != nil {
			return fmt.Errorf("message %s: %w", ref.ID, err)
		}
		tally.add(status)
		return nil
	})
	return tally, err
}
