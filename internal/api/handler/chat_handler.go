package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// AuditLister reads the audit trail of a job.
type AuditLister interface {
	ListByJob(ctx context.Context, code, split string, limit int) ([]domain.AuditEntry, error)
}

// ChatHandler handles the job chat and the audit trail.
type ChatHandler struct {
	repo  *repository.JobRepository
	chat  *service.ChatLog
	audit AuditLister
}

// NewChatHandler creates a chat handler. audit may be nil when no
// database is configured.
func NewChatHandler(repo *repository.JobRepository, chat *service.ChatLog, audit AuditLister) *ChatHandler {
	return &ChatHandler{repo: repo, chat: chat, audit: audit}
}

type chatRequest struct {
	Text string `json:"text"`
}

// Messages handles GET /api/v1/jobs/:code/chat.
func (h *ChatHandler) Messages(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	msgs, err := h.chat.Messages(job)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Post handles POST /api/v1/jobs/:code/chat.
func (h *ChatHandler) Post(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NotValid("invalid request: %v", err))
		return
	}
	msg, err := h.chat.AddMessage(c.Request.Context(), job, middleware.CurrentUser(c), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// Audit handles GET /api/v1/jobs/:code/audit?limit=N.
func (h *ChatHandler) Audit(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		respondError(c, service.NotValid("limit must be a positive number"))
		return
	}
	if h.audit == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []domain.AuditEntry{}})
		return
	}
	entries, err := h.audit.ListByJob(c.Request.Context(), job.Key.Code, job.Key.Split, limit)
	if err != nil {
		respondError(c, service.Unexpected(err, "read audit trail"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
