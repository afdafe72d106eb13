// Package statusserver exposes a minimal read-only HTTP endpoint reporting
// the scheduler's live dispatch counters, for operators who want a health
// check without tailing logs.
package statusserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/pipelinecore/internal/logging"
)

// StatusProvider is implemented by whatever owns the live scheduler state
// (normally the CLI's run loop) and polled on each request.
type StatusProvider interface {
	// Snapshot returns a point-in-time view of dispatch progress. Safe to
	// call concurrently with a running scheduler.
	Snapshot() Status
}

// Status is the JSON body served at /status.
type Status struct {
	Running         bool   `json:"running"`
	ChunksProcessed uint64 `json:"chunks_processed"`
	LiveChunks      int    `json:"live_chunks"`
	Errored         bool   `json:"errored"`
}

// Server is the read-only status HTTP server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	provider  StatusProvider
	startTime time.Time
}

// New creates a Server backed by provider.
func New(provider StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "statusserver"),
		provider:  provider,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.provider.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("encode status", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}
