package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByKind = map[service.Kind]int{
	service.KindNotFound:   http.StatusNotFound,
	service.KindConflict:   http.StatusConflict,
	service.KindNotValid:   http.StatusBadRequest,
	service.KindUnexpected: http.StatusInternalServerError,
}

// respondError maps err to its HTTP status. Unexpected errors are logged
// with their cause and answered with a generic message.
func respondError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	kind := service.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.CtxError(ctx, "Request failed: %v", err)
		msg = "unexpected error"
	} else {
		logger.CtxDebug(ctx, "Request rejected: kind=%s, error=%v", kind, err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Code: string(kind), Message: msg})
}

// resolveJob reads the job key from the code path parameter and the
// split query parameter.
func resolveJob(c *gin.Context, repo *repository.JobRepository) (*repository.Job, bool) {
	key, err := domain.ParseJobKey(c.Param("code"), c.Query("split"))
	if err != nil {
		respondError(c, service.NotValid("%v", err))
		return nil, false
	}
	c.Request = c.Request.WithContext(logger.SetJob(c.Request.Context(), key.ID(), key.Code, key.Split))
	return repo.Get(key), true
}
