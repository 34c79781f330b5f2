package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/weiawesome/meow-realtime/internal/audit"
	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/internal/ratelimit"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

const headerAPIKey = "X-API-Key"

// AdmissionControl is the limiter surface exposed to operators and to the
// external endpoints that consult it.
type AdmissionControl interface {
	Admit(ctx context.Context, identity, actionClass string) (bool, error)
	Reset(ctx context.Context, identity, actionClass string) error
	Policy(actionClass string) (ratelimit.Policy, bool)
}

// AdminHandler serves the operator API on its own listener.
type AdminHandler struct {
	presence   Presence
	limiter    AdmissionControl
	hub        Sessions
	apiKey     string
	instanceID string
}

func NewAdminHandler(presence Presence, limiter AdmissionControl, h Sessions, apiKey, instanceID string) *AdminHandler {
	return &AdminHandler{
		presence:   presence,
		limiter:    limiter,
		hub:        h,
		apiKey:     apiKey,
		instanceID: instanceID,
	}
}

// Router builds the admin router. /health is open; /admin requires the API key.
func (h *AdminHandler) Router(logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(log.HTTPMiddleware(logger))

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAPIKey)
	admin.HandleFunc("/presence/{userId}", h.GetPresence).Methods(http.MethodGet)
	admin.HandleFunc("/ratelimit/{action}/{identity}", h.ResetRateLimit).Methods(http.MethodDelete)
	admin.HandleFunc("/admission/{action}/{identity}", h.Admit).Methods(http.MethodPost)
	admin.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)

	return r
}

// requireAPIKey rejects every request when no key is configured.
func (h *AdminHandler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerAPIKey)
		if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody(domain.ErrCodeUnauthorized, "invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HealthCheck handles GET /health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "instance": h.instanceID})
}

// GetPresence handles GET /admin/presence/{userId}
func (h *AdminHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	rec, err := h.presence.Get(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResetRateLimit handles DELETE /admin/ratelimit/{action}/{identity}
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, identity := vars["action"], vars["identity"]

	if _, ok := h.limiter.Policy(action); !ok {
		writeJSON(w, http.StatusNotFound, errorBody(domain.ErrCodeNotFound, "unknown action class"))
		return
	}
	if err := h.limiter.Reset(r.Context(), identity, action); err != nil {
		writeDomainError(w, err)
		return
	}

	audit.LogWithDetail(r.Context(), audit.ActionRateLimitReset, identity, action, "rate limit bucket cleared")
	w.WriteHeader(http.StatusNoContent)
}

// Admit handles POST /admin/admission/{action}/{identity}. It consumes one
// slot and answers 200 when admitted and 429 otherwise.
func (h *AdminHandler) Admit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, identity := vars["action"], vars["identity"]

	if _, ok := h.limiter.Policy(action); !ok {
		writeJSON(w, http.StatusNotFound, errorBody(domain.ErrCodeNotFound, "unknown action class"))
		return
	}

	allowed, err := h.limiter.Admit(r.Context(), identity, action)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !allowed {
		audit.LogWithDetail(r.Context(), audit.ActionRateLimitDenied, identity, action, "admission denied")
		writeJSON(w, http.StatusTooManyRequests, map[string]bool{"allowed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": true})
}

type statsResponse struct {
	Instance string `json:"instance"`
	Sessions int    `json:"sessions"`
	Users    int    `json:"users"`
	Topics   int    `json:"topics"`
}

// GetStats handles GET /admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	s := h.hub.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Instance: h.instanceID,
		Sessions: s.Sessions,
		Users:    s.Users,
		Topics:   s.Topics,
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(code, msg string) errorResponse {
	return errorResponse{Code: code, Message: msg}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody(code, msg))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
