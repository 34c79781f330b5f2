package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/meow-realtime/internal/domain"
)

type stubAdmitter struct {
	allowed bool
	err     error
	calls   []string
}

func (s *stubAdmitter) Admit(_ context.Context, identity, actionClass string) (bool, error) {
	s.calls = append(s.calls, identity+"/"+actionClass)
	return s.allowed, s.err
}

func serveAdmission(a Admitter) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/posts", Admission(a, ActionPostCreate, func(*gin.Context) string { return "u1" }), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/posts", nil))
	return w
}

func TestAdmission(t *testing.T) {
	tests := []struct {
		name     string
		admitter *stubAdmitter
		wantCode int
	}{
		{"allowed", &stubAdmitter{allowed: true}, http.StatusCreated},
		{"denied", &stubAdmitter{allowed: false}, http.StatusTooManyRequests},
		{"store down", &stubAdmitter{err: domain.ErrStoreUnavailable}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			w := serveAdmission(tt.admitter)

			req.Equal(tt.wantCode, w.Code)
			req.Equal([]string{"u1/post.create"}, tt.admitter.calls)
		})
	}
}

func TestAdmission_WithLimiter(t *testing.T) {
	req := require.New(t)

	l, _, _ := newTestLimiter(t, map[string]Policy{
		ActionPostCreate: {Limit: 5, Window: time.Minute},
	})

	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		codes = append(codes, serveAdmission(l).Code)
	}

	req.Equal([]int{201, 201, 201, 201, 201, 429}, codes)
}
