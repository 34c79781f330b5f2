package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	m := NewAuthMiddleware(func(_ context.Context, token string) (string, string, error) {
		if token != "good" {
			return "", "", errors.New("bad token")
		}
		return "42", "alice", nil
	})

	r := gin.New()
	r.GET("/me", m.RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c)+":"+c.GetString(UsernameKey))
	})
	r.GET("/token", func(c *gin.Context) {
		c.String(http.StatusOK, ExtractToken(c))
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid", header: "Bearer good", status: http.StatusOK, body: "42:alice"},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", status: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer bad", status: http.StatusUnauthorized},
	}

	r := newTestRouter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			httpReq := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				httpReq.Header.Set(AuthHeaderKey, tc.header)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, httpReq)

			req.Equal(tc.status, w.Code)
			if tc.body != "" {
				req.Equal(tc.body, w.Body.String())
			}
		})
	}
}

func TestExtractTokenSources(t *testing.T) {
	req := require.New(t)
	r := newTestRouter()

	// Header wins over query and cookie
	httpReq := httptest.NewRequest(http.MethodGet, "/token?token=q", nil)
	httpReq.Header.Set(AuthHeaderKey, "Bearer h")
	httpReq.AddCookie(&http.Cookie{Name: TokenCookie, Value: "c"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	req.Equal("h", w.Body.String())

	// Query next
	httpReq = httptest.NewRequest(http.MethodGet, "/token?token=q", nil)
	httpReq.AddCookie(&http.Cookie{Name: TokenCookie, Value: "c"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	req.Equal("q", w.Body.String())

	// Cookie last, with an optional Bearer prefix
	httpReq = httptest.NewRequest(http.MethodGet, "/token", nil)
	httpReq.AddCookie(&http.Cookie{Name: TokenCookie, Value: "Bearer c"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	req.Equal("c", w.Body.String())
}
