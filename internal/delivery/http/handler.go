package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/observelab/termdemo/internal/service"
	"github.com/observelab/termdemo/pkg/logger"
	"github.com/observelab/termdemo/pkg/util"
)

// SessionCookieName is the cookie the reverse proxy forwards on auth
// sub-requests.
const SessionCookieName = "demo_session"

// GrafanaUserHeader carries the proxy principal on a successful validation.
const GrafanaUserHeader = "X-Grafana-User"

type HTTPHandler struct {
	coord   *service.Coordinator
	invites service.InviteService
	logger  logger.Logger
}

func NewHTTPHandler(coord *service.Coordinator, invites service.InviteService, logger logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		coord:   coord,
		invites: invites,
		logger:  logger,
	}
}

// Routes mounts the coordinator's HTTP surface on a chi router.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Get("/status", h.Status)
	r.Get("/session/validate", h.ValidateSession)
	r.Get("/invite/validate", h.ValidateInvite)
}

// HealthCheck handles health check requests
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": util.TimeToISO8601Str(time.Now()),
	})
}

// Status reports queue depth and slot occupancy for the landing page.
func (h *HTTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.coord.Status())
}

// ValidateSession answers the reverse proxy's auth sub-request: 200 with the
// proxy principal header when the bearer token is live, 401 otherwise.
func (h *HTTPHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "No session cookie", http.StatusUnauthorized)
		return
	}

	principal, ok := h.coord.ValidateSessionToken(cookie.Value)
	if !ok {
		http.Error(w, "Session not active", http.StatusUnauthorized)
		return
	}

	w.Header().Set(GrafanaUserHeader, principal)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ValidateInvite checks an invite token for the reverse proxy without side
// effects beyond the expiry flip the validation itself performs.
func (h *HTTPHandler) ValidateInvite(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Invite-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	res := h.invites.Validate(r.Context(), token, sourceAddr(r), h.coord.RejoinSnapshot())
	if !res.Valid {
		h.respondJSON(w, http.StatusUnauthorized, map[string]any{
			"valid":   false,
			"reason":  string(res.Reason),
			"message": service.ValidationMessage(res.Reason),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// RequestLogger logs each request with its status and timing.
func RequestLogger(l logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			l.Debugf(r.Context(), "HTTP %s %s -> %d (%dms)",
				r.Method, r.URL.Path, ww.statusCode, time.Since(start).Milliseconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Errorf(context.Background(), "Failed to encode JSON response: %v", err)
	}
}

// sourceAddr matches the connection surface's notion of the client identity
// so rejoin eligibility agrees across both surfaces.
func sourceAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
