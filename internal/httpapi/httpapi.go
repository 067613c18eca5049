// Package httpapi wires the platform's external HTTP surface: the
// workflow-run and kanban-task endpoints the worker and agents depend on,
// webhook/lock/approval management, the persistent agent stream upgrade,
// and the /healthz and /metrics operational endpoints. Routing is done
// with go-chi/chi/v5, with its own Prometheus request-duration histogram
// keyed by route pattern via chi.RouteContext. Request tracing is a
// separate concern, wrapped around this router's handler by
// pkg/observability at the composition root.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/orchestrate/internal/apierr"
	"github.com/relaykit/orchestrate/internal/approval"
	"github.com/relaykit/orchestrate/internal/auth"
	"github.com/relaykit/orchestrate/internal/gateway"
	"github.com/relaykit/orchestrate/internal/kanban"
	"github.com/relaykit/orchestrate/internal/lock"
	"github.com/relaykit/orchestrate/internal/queue"
	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/internal/webhook"
)

// Server bundles every component the HTTP surface dispatches into.
type Server struct {
	Store     *store.Store
	Queue     queue.Broker
	Kanban    *kanban.Engine
	Webhooks  *webhook.Dispatcher
	Locks     *lock.Manager
	Approvals *approval.Gates
	Gateway   *gateway.Gateway
	Validator auth.TokenValidator
	Log       *slog.Logger
}

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "orchestrate",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request duration by route pattern and status class.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method", "status"})

// Router builds the chi router. Auth-excluded paths (/healthz, /metrics,
// /ws/agent — which authenticates via its own token query param) bypass
// the bearer-token middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metrics)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/agent", s.handleWSAgent)

	r.Group(func(r chi.Router) {
		if s.Validator != nil {
			r.Use(auth.Middleware(s.Validator))
		}

		r.Route("/v1/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", s.handleDelegateTask)
			r.Post("/{taskID}/claim", s.handleClaimTask)
			r.Post("/{taskID}/progress", s.handleProgressTask)
			r.Post("/{taskID}/complete", s.handleCompleteTask)
			r.Post("/{taskID}/fail", s.handleFailTask)
		})

		r.Route("/v1/webhooks", func(r chi.Router) {
			r.Post("/", s.handleCreateWebhook)
		})

		r.Route("/v1/locks", func(r chi.Router) {
			r.Post("/acquire", s.handleAcquireLock)
			r.Post("/{lockID}/release", s.handleReleaseLock)
		})

		r.Route("/v1/approvals", func(r chi.Router) {
			r.Post("/", s.handleCreateApproval)
			r.Post("/{gateID}/respond", s.handleRespondApproval)
		})
	})

	return r
}

func (s *Server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		requestDuration.WithLabelValues(pattern, r.Method, statusClass(wrapped.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWSAgent(w http.ResponseWriter, r *http.Request) {
	agentUUID := r.URL.Query().Get("agentUuid")
	if agentUUID == "" {
		http.Error(w, "agentUuid is required", http.StatusBadRequest)
		return
	}

	conn, err := s.Gateway.Upgrade(w, r)
	if err != nil {
		s.Log.Error("agent stream upgrade failed", "agent", agentUUID, "error", err)
		return
	}

	if s.Validator != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			gateway.RejectConnection(conn, gateway.CloseAuthFailed, "missing token")
			return
		}
		if _, err := s.Validator.ValidateToken(r.Context(), token); err != nil {
			gateway.RejectConnection(conn, gateway.CloseAuthFailed, "invalid token")
			return
		}
	}

	if err := s.Gateway.HandleConnect(r.Context(), conn, agentUUID); err != nil {
		s.Log.Error("agent stream registration failed", "agent", agentUUID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierr.KindOf(err) {
	case apierr.Validation:
		status = http.StatusBadRequest
	case apierr.Authorization:
		status = http.StatusForbidden
	case apierr.NotFound:
		status = http.StatusNotFound
	case apierr.Conflict:
		status = http.StatusConflict
	case apierr.Transient:
		status = http.StatusServiceUnavailable
	case apierr.Permanent:
		status = http.StatusUnprocessableEntity
	}
	if err == store.ErrNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body: " + err.Error()})
		return false
	}
	return true
}

// callerUser returns the validated subject, or "anonymous" when auth is
// disabled (no validator configured).
func callerUser(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return "anonymous"
}
