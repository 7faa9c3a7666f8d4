package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// HighwayHandler handles the street name review endpoints.
type HighwayHandler struct {
	repo    *repository.JobRepository
	highway *service.HighwayEditor
}

func NewHighwayHandler(repo *repository.JobRepository, highway *service.HighwayEditor) *HighwayHandler {
	return &HighwayHandler{repo: repo, highway: highway}
}

// HighwayRequest identifies a name entry, and for updates its new value.
type HighwayRequest struct {
	Source    string `json:"source" binding:"required"`
	Converted string `json:"converted"`
}

// ListHighways handles GET /api/v1/jobs/:code/highways. With ?source=
// only that entry is returned.
func (h *HighwayHandler) ListHighways(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	if source := c.Query("source"); source != "" {
		entry, found, err := h.highway.Get(job, source)
		if err != nil {
			respondError(c, err)
			return
		}
		if !found {
			respondError(c, service.NotFound("street name %q not found", source))
			return
		}
		c.JSON(http.StatusOK, entry)
		return
	}

	entries, err := h.highway.List(job)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"highways": entries, "total": len(entries)})
}

// Update handles PUT /api/v1/jobs/:code/highways.
func (h *HighwayHandler) Update(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	var req HighwayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NotValid("invalid request: %v", err))
		return
	}
	entry, err := h.highway.Update(c.Request.Context(), job, req.Source, req.Converted, middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Undo handles POST /api/v1/jobs/:code/highways/undo.
func (h *HighwayHandler) Undo(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	var req HighwayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.NotValid("invalid request: %v", err))
		return
	}
	entry, err := h.highway.Undo(c.Request.Context(), job, req.Source, middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
