package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// MaxUploadSize bounds an uploaded review item.
const MaxUploadSize = 64 << 20

// ReviewHandler handles the fixme review endpoints.
type ReviewHandler struct {
	repo   *repository.JobRepository
	review *service.ReviewWorkflow
}

func NewReviewHandler(repo *repository.JobRepository, review *service.ReviewWorkflow) *ReviewHandler {
	return &ReviewHandler{repo: repo, review: review}
}

// ListFixmes handles GET /api/v1/jobs/:code/fixmes.
func (h *ReviewHandler) ListFixmes(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	records, err := h.review.List(job)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fixmes": records, "total": len(records)})
}

// Lock handles PUT /api/v1/jobs/:code/fixmes/:item.
func (h *ReviewHandler) Lock(c *gin.Context) {
	h.itemAction(c, h.review.Lock)
}

// Unlock handles DELETE /api/v1/jobs/:code/fixmes/:item.
func (h *ReviewHandler) Unlock(c *gin.Context) {
	h.itemAction(c, h.review.Unlock)
}

type itemFunc func(ctx context.Context, job *repository.Job, item string, user *domain.User) (domain.FixmeRecord, error)

func (h *ReviewHandler) itemAction(c *gin.Context, fn itemFunc) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	rec, err := fn(c.Request.Context(), job, c.Param("item"), middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Upload handles POST /api/v1/jobs/:code/fixmes with a multipart file.
func (h *ReviewHandler) Upload(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, service.NotValid("a file field is required"))
		return
	}
	if fh.Size > MaxUploadSize {
		respondError(c, service.NotValid("file is larger than %d bytes", MaxUploadSize))
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, service.Unexpected(err, "open upload"))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, MaxUploadSize))
	if err != nil {
		respondError(c, service.Unexpected(err, "read upload"))
		return
	}

	rec, err := h.review.AcceptUpload(c.Request.Context(), job, fh.Filename, content, middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Clear handles DELETE /api/v1/jobs/:code/fixmes.
func (h *ReviewHandler) Clear(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	cleared, err := h.review.Clear(c.Request.Context(), job, middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}
