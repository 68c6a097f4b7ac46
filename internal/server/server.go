package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Mailboxes is the mailbox management surface of the API
type Mailboxes interface {
	Connect(ctx context.Context, userID, userJWT string, provider models.Provider) (models.Mailbox, error)
	Disconnect(ctx context.Context, mailboxID string) error
	Mailbox(ctx context.Context, mailboxID string) (models.Mailbox, error)
	AddSenders(ctx context.Context, mailboxID string, addresses []string) (int, error)
	StartBackfill(mailboxID string) error
}

// NotificationHandler processes parsed webhook notifications
type NotificationHandler interface {
	HandleNotifications(ctx context.Context, notifications []models.Notification) []sync.NotificationResult
}

// Sweeper runs one renewal sweep
type Sweeper interface {
	Sweep(ctx context.Context) ([]sync.Outcome, error)
}

// UserVerifier authenticates API callers
type UserVerifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// RequestVerifier authenticates push deliveries
type RequestVerifier interface {
	VerifyRequest(r *http.Request) error
}

// TokenVerifier checks the renewal trigger token
type TokenVerifier interface {
	Verify(token string) error
}

// Deps are the collaborators of the HTTP server
type Deps struct {
	Mailboxes     Mailboxes
	Notifications NotificationHandler
	Sweeper       Sweeper
	Users         UserVerifier
	GmailPush     RequestVerifier
	Cron          TokenVerifier
	Parsers       map[models.Provider]sync.NotificationParser
	Health        func(ctx context.Context) error
	Logger        *slog.Logger

	// WebhookTimeout bounds the processing of one delivery
	WebhookTimeout time.Duration
	// SweepTimeout bounds a triggered renewal sweep
	SweepTimeout time.Duration
	// Dispatch runs acknowledged webhook work; nil runs it in a goroutine
	Dispatch func(func())
}

// Server is the HTTP binding of the sync engine
type Server struct {
	deps   Deps
	engine *gin.Engine
	wg     gosync.WaitGroup
	logger *slog.Logger
}

// New creates the server and registers its routes
func New(deps Deps) *Server {
	if deps.WebhookTimeout <= 0 {
		deps.WebhookTimeout = 2 * time.Minute
	}
	if deps.SweepTimeout <= 0 {
		deps.SweepTimeout = 5 * time.Minute
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, engine: gin.New(), logger: deps.Logger}
	if s.deps.Dispatch == nil {
		s.deps.Dispatch = s.goDispatch
	}
	s.engine.Use(gin.Recovery(), requestLogger(deps.Logger))
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/healthz", s.healthz)

	webhooks := r.Group("/webhooks")
	webhooks.POST("/gmail", s.gmailWebhook)
	webhooks.POST("/outlook", s.outlookWebhook)

	api := r.Group("/api")
	api.Use(s.authMiddleware())
	api.POST("/mailboxes", s.connectMailbox)
	api.GET("/mailboxes/:id", s.ownedMailbox, s.getMailbox)
	api.DELETE("/mailboxes/:id", s.ownedMailbox, s.disconnectMailbox)
	api.POST("/mailboxes/:id/senders", s.ownedMailbox, s.addSenders)
	api.POST("/mailboxes/:id/backfill", s.ownedMailbox, s.startBackfill)

	r.POST("/internal/renewals", s.cronMiddleware(), s.triggerRenewals)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then waits for in-flight webhook
// work to finish.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown", "error", err)
	}
	s.Wait()
	return nil
}

// Wait blocks until dispatched webhook work has finished
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) goDispatch(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) cronMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" || s.deps.Cron == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		if err := s.deps.Cron.Verify(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) triggerRenewals(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.SweepTimeout)
	defer cancel()

	outcomes, err := s.deps.Sweeper.Sweep(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	counts := make(map[sync.OutcomeKind]int)
	for _, o := range outcomes {
		counts[o.Kind]++
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "counts": counts})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("request", attrs...)
		case c.Writer.Status() >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// writeError maps the error taxonomy to HTTP responses. Only a missing
// credential is actionable by the user.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrCredentialMissing):
		c.JSON(http.StatusConflict, gin.H{"error": "reconnect_required"})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, sync.ErrInvalidSender):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrMailboxOwned):
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox_taken"})
	case errors.Is(err, sync.ErrBackfillRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "backfill_running"})
	case errors.Is(err, models.ErrProviderUnavailable), errors.Is(err, models.ErrCredentialRefreshFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider unavailable"})
	case errors.Is(err, models.ErrProviderRejected), errors.Is(err, models.ErrTokenRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider rejected request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
