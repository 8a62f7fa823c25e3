// Package server exposes the daemon's HTTP surface: the WebSocket
// endpoint, the streaming download endpoint, and the operational routes.
package server

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"

	"github.com/veildrop/veildrop/daemon/config"
	"github.com/veildrop/veildrop/daemon/manager"
	"github.com/veildrop/veildrop/daemon/store"
	"github.com/veildrop/veildrop/internal/observability"
)

// APIServer wires the HTTP routes over the session store, the chunk
// store, and the realtime hub.
type APIServer struct {
	cfg      *config.Config
	sessions *manager.SessionStore
	store    *store.ContentStore
	hub      http.Handler
	health   *observability.HealthChecker
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New creates the API server. hub serves the WebSocket upgrade.
func New(cfg *config.Config, sessions *manager.SessionStore, cs *store.ContentStore, hub http.Handler, health *observability.HealthChecker, logger *observability.Logger, metrics *observability.Metrics) *APIServer {
	return &APIServer{
		cfg:      cfg,
		sessions: sessions,
		store:    cs,
		hub:      hub,
		health:   health,
		logger:   logger,
		metrics:  metrics,
	}
}

// Router builds the route table.
func (s *APIServer) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/ws", s.hub)
	r.HandleFunc("/download/{contentId}", s.handleDownload).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	r.HandleFunc("/health", s.health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)

	origins, allowAny := s.cfg.AllowedOrigins()
	return corsMiddleware(origins, allowAny)(r)
}
