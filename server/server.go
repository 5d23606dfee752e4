// Package server exposes the watcher over HTTP for serve mode: health,
// run trigger, and read/update access to the listing ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"linkedin-watcher/pkg/ledger"
	"linkedin-watcher/store"
)

// Runner triggers one watch run. Implemented by watch.Runner.
type Runner interface {
	RunOnce(ctx context.Context) (*ledger.RunSummary, error)
}

// Ledger is the read/update access the HTTP surface needs.
// Implemented by store.DB.
type Ledger interface {
	ListActive(ctx context.Context) ([]*ledger.Listing, error)
	MarkApplied(ctx context.Context, id string) error
	Stats(ctx context.Context) (ledger.Stats, error)
}

// Server handles HTTP requests.
type Server struct {
	runner Runner
	ledger Ledger
	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Runner Runner
	Ledger Ledger
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		runner: cfg.Runner,
		ledger: cfg.Ledger,
		logger: cfg.Logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runz", s.handleRun)
	mux.HandleFunc("GET /listings", s.handleListings)
	mux.HandleFunc("POST /listings/{id}/applied", s.handleMarkApplied)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// ListenAndServe starts the server on the given port.
func (s *Server) ListenAndServe(port int) error {
	// Timeouts prevent resource exhaustion; a triggered run can take a
	// while, so the write timeout is generous.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// handleRun triggers a watch run. The runner serializes itself, so a trigger
// racing the scheduler just queues.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Run endpoint triggered")

	summary, err := s.runner.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("Triggered run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, summary)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.ledger.ListActive(r.Context())
	if err != nil {
		s.logger.Error("Failed to list listings", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []*ledger.Listing{}
	}
	s.writeJSON(w, listings)
}

func (s *Server) handleMarkApplied(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ledger.MarkApplied(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Listing not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to mark listing applied", "id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"id": id, "status": ledger.StatusApplied})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to compute stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}
