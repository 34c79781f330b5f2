package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/meow-realtime/pkg/response"
)

const (
	UserIDKey     = "user_id"
	UsernameKey   = "username"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
	TokenQueryKey = "token"
	TokenCookie   = "access_token"
)

// ValidateFunc resolves a bearer token to a user id and username.
type ValidateFunc func(ctx context.Context, token string) (userID, username string, err error)

// AuthMiddleware validates bearer tokens with a pluggable validator.
type AuthMiddleware struct {
	validate ValidateFunc
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(validate ValidateFunc) *AuthMiddleware {
	return &AuthMiddleware{validate: validate}
}

// RequireAuth returns a Gin middleware that validates the Authorization
// header and stores the caller in the context.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			abort(c, "missing authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			abort(c, "invalid authorization format")
			return
		}

		userID, username, err := m.validate(c.Request.Context(), strings.TrimPrefix(authHeader, BearerPrefix))
		if err != nil {
			abort(c, "invalid or expired token")
			return
		}

		c.Set(UserIDKey, userID)
		c.Set(UsernameKey, username)

		c.Next()
	}
}

// ExtractToken returns the bearer token from the Authorization header,
// the token query parameter or the access_token cookie, in that order.
func ExtractToken(c *gin.Context) string {
	if h := c.GetHeader(AuthHeaderKey); strings.HasPrefix(h, BearerPrefix) {
		return strings.TrimPrefix(h, BearerPrefix)
	}
	if t := c.Query(TokenQueryKey); t != "" {
		return t
	}
	if t, err := c.Cookie(TokenCookie); err == nil {
		return strings.TrimPrefix(t, BearerPrefix)
	}
	return ""
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func abort(c *gin.Context, message string) {
	response.Abort(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}
