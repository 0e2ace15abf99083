// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"channel-recorder/channels"
	"channel-recorder/ingest"
	"channel-recorder/supervisor"
)

// Backfiller runs a history backfill.
type Backfiller interface {
	Backfill(ctx context.Context, aliases []string, limit int) (int, error)
}

// TextReader reads stored channel text.
type TextReader interface {
	ReadChannelText(ctx context.Context, alias string) (string, error)
}

// Status reports supervised task state.
type Status interface {
	Ready() bool
	States() []supervisor.State
}

// Server handles HTTP requests.
type Server struct {
	backfiller   Backfiller
	store        TextReader
	status       Status
	registry     *channels.Registry
	metrics      http.Handler
	logger       *slog.Logger
	historyLimit int

	// ctx outlives requests and bounds background backfills.
	ctx         context.Context
	backfilling atomic.Bool
	done        chan struct{} // signalled after each background backfill, for tests
}

// Config holds server configuration.
type Config struct {
	Backfiller   Backfiller
	Store        TextReader
	Status       Status
	Registry     *channels.Registry
	Metrics      http.Handler
	Logger       *slog.Logger
	HistoryLimit int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = ingest.DefaultHistoryLimit
	}
	return &Server{
		backfiller:   cfg.Backfiller,
		store:        cfg.Store,
		status:       cfg.Status,
		registry:     cfg.Registry,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		historyLimit: limit,
		ctx:          context.Background(),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/backfillz", s.handleBackfill)
	mux.HandleFunc("/raw", s.handleRaw)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	s.ctx = ctx

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{"status": "healthy"}
	if s.status != nil {
		resp["tasks"] = s.status.States()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.status == nil || !s.status.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleBackfill starts a backfill in the background and returns 202.
// Only one backfill runs at a time.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.backfiller == nil {
		http.Error(w, "Backfill not available", http.StatusNotImplemented)
		return
	}

	var aliases []string
	if ch := strings.TrimSpace(r.URL.Query().Get("channel")); ch != "" {
		c, ok := s.registry.Lookup(ch)
		if !ok {
			http.Error(w, "Unknown channel", http.StatusNotFound)
			return
		}
		aliases = []string{c.Alias}
	}

	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if !s.backfilling.CompareAndSwap(false, true) {
		http.Error(w, "Backfill already running", http.StatusConflict)
		return
	}

	s.logger.Info("Backfill endpoint triggered", "channels", aliases, "limit", limit)

	go func() {
		defer func() {
			s.backfilling.Store(false)
			if s.done != nil {
				s.done <- struct{}{}
			}
		}()
		written, err := s.backfiller.Backfill(s.ctx, aliases, limit)
		if err != nil {
			if errors.Is(err, ingest.ErrNoHistory) {
				s.logger.Warn("Backfill not supported by this source")
				return
			}
			s.logger.Error("Backfill finished with errors", "written", written, "error", err)
			return
		}
		s.logger.Info("Backfill finished", "written", written)
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "limit": limit})
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ch := strings.TrimSpace(r.URL.Query().Get("channel"))
	if ch == "" {
		http.Error(w, "Missing channel parameter", http.StatusBadRequest)
		return
	}
	c, ok := s.registry.Lookup(ch)
	if !ok {
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	}

	text, err := s.store.ReadChannelText(r.Context(), c.Alias)
	if err != nil {
		s.logger.Error("Failed to read channel text", "channel", c.Alias, "error", err)
		http.Error(w, "Failed to read channel text", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, text); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
