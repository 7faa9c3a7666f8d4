package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// HealthHandler reports whether the work directory can be read.
type HealthHandler struct {
	repo *repository.JobRepository
}

func NewHealthHandler(repo *repository.JobRepository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	codes, err := h.repo.Codes()
	if err != nil {
		logger.CtxError(c.Request.Context(), "Work directory unreadable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"jobs":   len(codes),
	})
}
