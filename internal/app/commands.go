package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Run one renewal sweep",
	Long:  "Refreshes credentials and renews every watch due within the renewal threshold, printing one outcome per mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(ctx, e.cfg.Renewal.Timeout)
		defer cancel()

		outcomes, err := e.scheduler.Sweep(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		failed := 0
		for _, o := range outcomes {
			if o.Kind == sync.OutcomeError {
				failed++
			}
			if err := enc.Encode(o); err != nil {
				return err
			}
		}
		e.logger.Info("renewal sweep done", "watches", len(outcomes), "failed", failed)
		return nil
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill <mailbox-id>",
	Short: "Onboard the pending senders of a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(ctx, e.cfg.Backfill.Timeout)
		defer cancel()

		resync, _ := cmd.Flags().GetBool("all")
		run := e.backfill.Backfill
		if resync {
			run = e.backfill.Resync
		}

		res, err := run(ctx, args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d onboarded=%d inserted=%d duplicates=%d filtered=%d skipped=%d\n",
			res.Processed, res.Onboarded, res.Tally.Inserted, res.Tally.Duplicates, res.Tally.Filtered, res.Tally.Skipped)
		if err != nil {
			e.reporter.CaptureError(err, map[string]string{"mailbox_id": args[0], "error_type": "backfill"})
			return err
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

		st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database migrations completed", "driver", cfg.Database.Driver)
		return nil
	},
}

var cronTokenCmd = &cobra.Command{
	Use:   "cron-token",
	Short: "Issue a token for the renewal trigger endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Cron.Secret == "" {
			return fmt.Errorf("cron.secret is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := auth.NewCronSigner(cfg.Cron.Secret).Issue(ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	backfillCmd.Flags().Bool("all", false, "Replay the history of every tracked sender, not only pending ones")
	cronTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
