package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
)

// Caller identity is established upstream, by the authenticating proxy
// in front of the API.
const (
	UserIDHeader   = "X-User-Id"
	UserNameHeader = "X-User-Name"

	userKey = "user"
)

// Identity reads the caller from the identity headers.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if id != "" {
			name := strings.TrimSpace(c.GetHeader(UserNameHeader))
			if name == "" {
				name = id
			}
			c.Set(userKey, &domain.User{ID: id, DisplayName: name})
			c.Request = c.Request.WithContext(logger.SetUserID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequireUser rejects anonymous callers with 401.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "missing " + UserIDHeader + " header",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the caller, nil when anonymous.
func CurrentUser(c *gin.Context) *domain.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	return nil
}
