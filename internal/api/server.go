// Package api implements the Read API: two read-only lookups against the
// State Store, plus a liveness probe. It never mutates state and never
// blocks on the Lifecycle Engine.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spe-platform/workspace-orchestrator/internal/apperr"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
	"github.com/spe-platform/workspace-orchestrator/internal/metrics"
	"github.com/spe-platform/workspace-orchestrator/internal/store"
)

// Server wraps the State Store behind a plain net/http handler tree.
type Server struct {
	store  store.Store
	prefix string
	router chi.Router
}

// NewServer builds the Read API's router under the given path prefix
// (e.g. "/api/v1"); an empty prefix serves routes at the root.
func NewServer(st store.Store, prefix string) *Server {
	if prefix == "" {
		prefix = "/"
	}
	s := &Server{store: st, prefix: prefix}
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Route(prefix, func(r chi.Router) {
		r.Get("/workspaces/{permitID}/status", s.handleStatus)
		r.Get("/workspaces/{permitID}/connection", s.handleConnection)
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	permitID := chi.URLParam(r, "permitID")
	status, ok, err := s.store.GetStatus(permitID)
	if err != nil {
		log.WithComponent("api").Error().Err(err).Str("permit_id", permitID).Msg("status lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	permitID := chi.URLParam(r, "permitID")
	conn, ok, err := s.store.GetConnection(permitID)
	if err != nil {
		log.WithComponent("api").Error().Err(err).Str("permit_id", permitID).Msg("connection lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": conn})
}

// instrument records request count and latency per route template, so
// dynamic segments like {permitID} don't blow up metric cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// ShutdownTimeout is the grace period Server.Handler()'s caller should
// allow for in-flight requests to drain.
const ShutdownTimeout = 10 * time.Second
