package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
)

type connectRequest struct {
	Provider string `json:"provider" binding:"required,oneof=google microsoft"`
}

type sendersRequest struct {
	Senders []string `json:"senders" binding:"required,min=1,max=500"`
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if bearerToken(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		user, err := s.deps.Users.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet("user").(*auth.User)
}

// ownedMailbox loads the :id mailbox and hides mailboxes of other users
func (s *Server) ownedMailbox(c *gin.Context) {
	mb, err := s.deps.Mailboxes.Mailbox(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	if mb.UserID != currentUser(c).ID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Set("mailbox", mb)
	c.Next()
}

func currentMailbox(c *gin.Context) models.Mailbox {
	return c.MustGet("mailbox").(models.Mailbox)
}

func (s *Server) connectMailbox(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mb, err := s.deps.Mailboxes.Connect(c.Request.Context(), currentUser(c).ID, bearerToken(c), models.Provider(req.Provider))
	if err != nil {
		s.logger.Error("connect failed", "user_id", currentUser(c).ID, "provider", req.Provider, "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mb)
}

func (s *Server) getMailbox(c *gin.Context) {
	c.JSON(http.StatusOK, currentMailbox(c))
}

func (s *Server) disconnectMailbox(c *gin.Context) {
	if err := s.deps.Mailboxes.Disconnect(c.Request.Context(), currentMailbox(c).ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addSenders(c *gin.Context) {
	var req sendersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mb := currentMailbox(c)
	added, err := s.deps.Mailboxes.AddSenders(c.Request.Context(), mb.ID, req.Senders)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (s *Server) startBackfill(c *gin.Context) {
	if err := s.deps.Mailboxes.StartBackfill(currentMailbox(c).ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
