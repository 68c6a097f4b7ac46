package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/models"
)

const maxWebhookBody = 1 << 20

// gmailWebhook receives Pub/Sub push deliveries. Deliveries without a valid
// Google OIDC token are refused so Pub/Sub retries them; an envelope that
// cannot be decoded is acknowledged and dropped.
func (s *Server) gmailWebhook(c *gin.Context) {
	if s.deps.GmailPush != nil {
		if err := s.deps.GmailPush.VerifyRequest(c.Request); err != nil {
			s.logger.Warn("gmail push rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
	}
	s.webhook(c, models.ProviderGoogle)
}

// outlookWebhook receives Graph change notifications. The validation
// handshake is answered before anything else.
func (s *Server) outlookWebhook(c *gin.Context) {
	s.webhook(c, models.ProviderMicrosoft)
}

func (s *Server) webhook(c *gin.Context, provider models.Provider) {
	parser, ok := s.deps.Parsers[provider]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not enabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	env, err := parser.ParseNotifications(c.Request.URL.Query(), body)
	if err != nil {
		s.logger.Warn("malformed notification", "provider", provider, "error", err)
		// Pub/Sub redelivers anything it does not see acknowledged
		if provider == models.ProviderGoogle {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification"})
		return
	}
	if env.Handshake != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(env.Handshake))
		return
	}

	if len(env.Notifications) > 0 {
		notifications := env.Notifications
		s.deps.Dispatch(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.deps.WebhookTimeout)
			defer cancel()
			s.deps.Notifications.HandleNotifications(ctx, notifications)
		})
	}
	c.Status(http.StatusAccepted)
}
