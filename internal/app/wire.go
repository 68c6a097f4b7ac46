package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/models"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/report"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// engine holds the components shared by every command
type engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	redis     *redis.Client
	creds     *auth.Manager
	states    *auth.ClientState
	providers sync.Providers
	parsers   map[models.Provider]sync.NotificationParser
	targets   sync.Targets
	backfill  *sync.Backfiller
	pipeline  *sync.Pipeline
	scheduler *sync.Scheduler
	manager   *sync.Manager
	reporter  *report.Reporter
	publisher *natsjs.Publisher
}

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, logger: logger}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	e.store = st
	if err := st.Migrate(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	opts := []auth.ManagerOption{auth.WithSkew(cfg.Credentials.Skew)}
	if cfg.Redis.Addr != "" {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := e.redis.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts, auth.WithCache(auth.NewRedisTokenCache(e.redis, logger)))
		logger.Info("token cache enabled", "addr", cfg.Redis.Addr)
	}

	refresher := auth.NewOAuthRefresher(auth.ProviderConfigs(
		cfg.Google.ClientID, cfg.Google.ClientSecret,
		cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.Tenant,
	), nil)
	e.creds = auth.NewManager(st, refresher, logger, opts...)

	e.providers = make(sync.Providers)
	e.parsers = make(map[models.Provider]sync.NotificationParser)
	if cfg.Google.Enabled() {
		a := gmail.New(gmail.Config{TopicName: cfg.Google.PubSubTopic}, logger.With("provider", models.ProviderGoogle))
		e.providers[models.ProviderGoogle] = a
		e.parsers[models.ProviderGoogle] = a
	}
	if cfg.Microsoft.Enabled() {
		a := outlook.New(outlook.Config{}, logger.With("provider", models.ProviderMicrosoft))
		e.providers[models.ProviderMicrosoft] = a
		e.parsers[models.ProviderMicrosoft] = a
		e.states = auth.NewClientState(cfg.Microsoft.ClientStateSecret)
	}
	e.targets = sync.Targets{BaseURL: cfg.Webhook.BaseURL, States: e.states}

	reporter, err := report.New(cfg.Sentry.DSN, cfg.Sentry.Environment, Version)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.reporter = reporter

	ingestor := sync.NewIngestor(st, logger)
	e.backfill = sync.NewBackfiller(st, e.creds, e.providers, ingestor, logger)
	e.pipeline = sync.NewPipeline(st, e.creds, e.providers, ingestor, e.backfill, logger)
	if e.states != nil {
		e.pipeline.RequireClientState(models.ProviderMicrosoft, e.states)
	}

	e.scheduler = sync.NewScheduler(st, e.creds, e.providers, e.targets, reporter, sync.SchedulerConfig{
		Threshold: cfg.Renewal.Threshold,
		Workers:   cfg.Renewal.Workers,
		Retries:   cfg.Renewal.Retries,
		Backoff:   sync.DefaultSchedulerConfig.Backoff,
	}, logger)

	grants := auth.NewGrantClient(cfg.Auth.ServerURL, nil)
	e.manager = sync.NewManager(st, e.creds, grants, e.providers, e.targets, e.backfill, cfg.Backfill.Timeout, logger)
	return e, nil
}

// Close releases the engine's connections
func (e *engine) Close() {
	if e.reporter != nil {
		e.reporter.Flush(flushTimeout)
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("failed to close redis", "error", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close database", "error", err)
		}
	}
}

// setup loads the configuration and builds the engine
func setup(ctx context.Context) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	return newEngine(ctx, cfg, logger)
}
