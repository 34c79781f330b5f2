package ratelimit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/meow-realtime/internal/audit"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
	"github.com/weiawesome/meow-realtime/pkg/response"
)

// IdentityFunc extracts the identity an action is charged to.
type IdentityFunc func(c *gin.Context) string

// UserIdentity charges the authenticated user, falling back to client IP.
func UserIdentity(c *gin.Context) string {
	if id := c.GetString(log.FieldUserID); id != "" {
		return id
	}
	return c.ClientIP()
}

// Admission rejects requests over the actionClass quota with 429.
func Admission(a Admitter, actionClass string, identity IdentityFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identity(c)
		ok, err := a.Admit(c.Request.Context(), id, actionClass)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				response.Abort(c, http.StatusServiceUnavailable, domain.ErrCodeStoreUnavailable, "admission store unavailable")
				return
			}
			response.Abort(c, http.StatusInternalServerError, domain.ErrCodeInternalError, err.Error())
			return
		}
		if !ok {
			audit.LogWithDetail(c.Request.Context(), audit.ActionRateLimitDenied, id, actionClass, "request rate limited")
			response.Abort(c, http.StatusTooManyRequests, domain.ErrCodeRateLimited, "too many requests")
			return
		}
		c.Next()
	}
}
