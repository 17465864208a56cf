// Package status exposes the agent's diagnostics over HTTP: a liveness
// probe plus a snapshot of the most recent polling cycle.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relicagent/relicagent/internal/agent"
	"github.com/relicagent/relicagent/internal/config"
	"github.com/relicagent/relicagent/internal/plugins"
)

// Server represents the diagnostics HTTP server
type Server struct {
	cfg      config.StatusConfig
	agent    *agent.Agent
	registry *plugins.Registry
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer creates and configures the diagnostics server
func NewServer(cfg config.StatusConfig, a *agent.Agent, registry *plugins.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		agent:    a,
		registry: registry,
		logger:   logger.With("component", "status"),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	// Liveness probe (no auth, no agent state)
	r.Get("/health", s.handleHealth)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/plugins", s.handlePlugins)
	})

	return r
}

// Start blocks serving requests until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Status server listening", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse represents the cycle snapshot response
type StatusResponse struct {
	Version string         `json:"version"`
	Session agent.Snapshot `json:"session"`
}

// PluginsResponse lists the registered plugin names
type PluginsResponse struct {
	Plugins []string `json:"plugins"`
}

// handleHealth handles GET /health (liveness probe)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Version: agent.Version,
		Session: s.agent.Stats(),
	})
}

// handlePlugins handles GET /api/v1/plugins
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PluginsResponse{Plugins: s.registry.List()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
