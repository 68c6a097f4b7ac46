package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/auth"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const flushTimeout = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	Long:  "Serves webhooks and the mailbox API, renews watches on a ticker and publishes ingested mail to NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return serve(ctx, e)
	},
}

func serve(ctx context.Context, e *engine) error {
	cfg, logger := e.cfg, e.logger

	users, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to init user verifier: %w", err)
	}

	deps := server.Deps{
		Mailboxes:      e.manager,
		Notifications:  e.pipeline,
		Sweeper:        e.scheduler,
		Users:          users,
		Parsers:        e.parsers,
		Health:         e.health,
		Logger:         logger,
		WebhookTimeout: 2 * time.Minute,
		SweepTimeout:   cfg.Renewal.Timeout,
	}
	if cfg.Google.Enabled() {
		push, err := auth.NewPushVerifier(ctx, cfg.Google.PushAudience)
		if err != nil {
			return fmt.Errorf("failed to init push verifier: %w", err)
		}
		deps.GmailPush = push
	}
	if cfg.Cron.Secret != "" {
		deps.Cron = auth.NewCronSigner(cfg.Cron.Secret)
	}

	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		e.publisher = pub

		dispatcher := sync.NewDispatcher(e.store, pub, logger)
		go dispatcher.Run(ctx)
		logger.Info("outbox dispatcher started", "url", cfg.NATS.URL, "stream", natsjs.StreamName)
	}

	if cfg.Renewal.Interval > 0 {
		go e.scheduler.Run(ctx, cfg.Renewal.Interval, cfg.Renewal.Timeout)
		logger.Info("renewal ticker started", "interval", cfg.Renewal.Interval)
	}

	srv := server.New(deps)
	logger.Info("server starting", "addr", cfg.HTTP.Addr, "version", Version)
	err = srv.Run(ctx, cfg.HTTP.Addr)

	e.manager.StopAll()
	if err != nil {
		e.reporter.CaptureError(err, map[string]string{"error_type": "server"})
		return err
	}
	logger.Info("server stopped")
	return nil
}

// health reports the database and, when configured, the event bus
func (e *engine) health(ctx context.Context) error {
	if err := e.store.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if e.publisher != nil && !e.publisher.Healthy() {
		return errors.New("nats: not connected")
	}
	return nil
}
