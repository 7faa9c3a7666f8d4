package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/cache"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// JobHandler handles the job lifecycle endpoints.
type JobHandler struct {
	repo    *repository.JobRepository
	deriver *service.StatusDeriver
	ctrl    *service.Controller
	tailer  *service.Tailer
	splits  cache.SplitSource
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - repo: job handles.
//   - deriver: status and view builder.
//   - ctrl: lifecycle controller.
//   - tailer: log reader.
//   - splits: split list lookup, may be nil.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(repo *repository.JobRepository, deriver *service.StatusDeriver, ctrl *service.Controller, tailer *service.Tailer, splits cache.SplitSource) *JobHandler {
	return &JobHandler{repo: repo, deriver: deriver, ctrl: ctrl, tailer: tailer, splits: splits}
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	codes, err := h.repo.Codes()
	if err != nil {
		respondError(c, service.Unexpected(err, "list jobs"))
		return
	}

	views := make([]*domain.JobView, 0, len(codes))
	for _, code := range codes {
		key, err := domain.ParseJobKey(code, "")
		if err != nil {
			continue
		}
		view, err := h.deriver.View(ctx, h.repo.Get(key))
		if err != nil {
			logger.CtxWarn(ctx, "Skipping job %s: %v", code, err)
			continue
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views, "total": len(views)})
}

// GetJob handles GET /api/v1/jobs/:code.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	view, err := h.deriver.View(c.Request.Context(), job)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StartJob handles POST /api/v1/jobs/:code. The body holds the options;
// an empty body extracts buildings and addresses.
func (h *JobHandler) StartJob(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	var opts domain.Options
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, service.NotValid("invalid options: %v", err))
		return
	}

	view, err := h.ctrl.Start(c.Request.Context(), job, middleware.CurrentUser(c), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// DeleteJob handles DELETE /api/v1/jobs/:code.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	removed, err := h.ctrl.Delete(c.Request.Context(), job, middleware.CurrentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	view, err := h.deriver.View(c.Request.Context(), job)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "job": view})
}

// GetLog handles GET /api/v1/jobs/:code/log?from=N.
func (h *JobHandler) GetLog(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	from, err := strconv.Atoi(c.DefaultQuery("from", "0"))
	if err != nil || from < 0 {
		respondError(c, service.NotValid("from must be a non-negative line number"))
		return
	}
	lines, next, err := h.tailer.ReadDelta(job, from)
	if err != nil {
		respondError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines, "cursor": next})
}

// Export handles GET /api/v1/jobs/:code/export.
func (h *JobHandler) Export(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	archive, err := h.ctrl.Export(c.Request.Context(), job)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="`+archive.Name+`"`)
	c.Status(http.StatusOK)
	n, err := archive.WriteTo(c.Writer)
	if err != nil {
		// Headers are gone, the client sees a truncated archive.
		logger.CtxError(c.Request.Context(), "Export of %s failed after %d bytes: %v", job.Key, n, err)
		return
	}
	logger.With(logger.Fields{logger.FieldCount: n}).Info(c.Request.Context(), "Exported %s", archive.Name)
}

// GetSplits handles GET /api/v1/jobs/:code/splits.
func (h *JobHandler) GetSplits(c *gin.Context) {
	job, ok := resolveJob(c, h.repo)
	if !ok {
		return
	}
	var splits []domain.Split
	if h.splits != nil {
		var err error
		splits, err = h.splits.Splits(c.Request.Context(), job.Key.Code)
		if err != nil {
			respondError(c, service.Unexpected(err, "look up splits of %s", job.Key.Code))
			return
		}
	}
	if splits == nil {
		splits = []domain.Split{}
	}
	c.JSON(http.StatusOK, gin.H{"splits": splits})
}
