package log

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPMiddleware returns a net/http middleware for gorilla/mux (router.Use).
// Requests to quietPaths, such as probes, are logged at debug.
func HTTPMiddleware(logger zerolog.Logger, quietPaths ...string) func(http.Handler) http.Handler {
	if len(quietPaths) == 0 {
		quietPaths = []string{"/health"}
	}
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := requestID(r.Header.Get(headerRequestID))

			child := logger.With().
				Str(FieldRequestID, reqID).
				Str(FieldMethod, r.Method).
				Str(FieldPath, r.URL.Path).
				Str(FieldClientIP, ClientIP(r)).
				Logger()

			w.Header().Set(headerRequestID, reqID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithLogger(r.Context(), child)))

			evt := levelFor(child, rec.status)
			if _, ok := quiet[r.URL.Path]; ok && rec.status < http.StatusInternalServerError {
				evt = child.Debug()
			}
			evt.
				Int(FieldStatus, rec.status).
				Int("bytes", rec.bytes).
				Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
				Msg("request completed")
		})
	}
}

// levelFor logs server errors at error, rejected requests at warn.
func levelFor(l zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= http.StatusInternalServerError:
		return l.Error()
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests:
		return l.Warn()
	default:
		return l.Info()
	}
}

func requestID(fromHeader string) string {
	if fromHeader != "" {
		return fromHeader
	}
	return uuid.New().String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// ClientIP extracts the client IP from X-Forwarded-For, X-Real-IP, or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
