package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PositionResolver force-closes a PARTIAL position after an operator cleaned
// up the stuck leg out of band.
type PositionResolver interface {
	ResolvePartial(ctx context.Context, positionID, note string) (*core.Position, error)
}

// healthServer exposes the engine's operational HTTP surface: /metrics,
// /healthz, and the operator action for resolving stuck positions. Components
// register check functions; /healthz runs them all and answers 503 when any
// fails.
type healthServer struct {
	port   int
	logger core.ILogger

	mu       sync.RWMutex
	checks   map[string]func() error
	resolver PositionResolver
}

func newHealthServer(port int, logger core.ILogger) *healthServer {
	return &healthServer{
		port:   port,
		logger: logger.WithField("component", "health_server"),
		checks: make(map[string]func() error),
	}
}

// Register adds a named health check.
func (s *healthServer) Register(name string, check func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// SetResolver enables the position-resolution endpoint.
func (s *healthServer) SetResolver(r PositionResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

func (s *healthServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("POST /positions/{id}/resolve", s.handleResolvePosition)
	return mux
}

// Serve blocks until ctx is canceled or the listener fails.
func (s *healthServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics server listening", "port", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Metrics server shutdown failed", "error", err.Error())
		}
		return ctx.Err()
	}
}

func (s *healthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	checks := make(map[string]func() error, len(s.checks))
	for name, check := range s.checks {
		names = append(names, name)
		checks[name] = check
	}
	s.mu.RUnlock()

	status := "ok"
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := checks[name](); err != nil {
			components[name] = err.Error()
			status = "unhealthy"
		} else {
			components[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

// handleResolvePosition lets an operator force a PARTIAL position to CLOSED
// after flattening the stuck leg on the venue directly. The request body may
// carry a note that ends up in the audit trail.
func (s *healthServer) handleResolvePosition(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resolver := s.resolver
	s.mu.RUnlock()
	if resolver == nil {
		http.Error(w, "position resolution unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "malformed body: "+err.Error(), http.StatusBadRequest)
		return
	}

	positionID := r.PathValue("id")
	pos, err := resolver.ResolvePartial(r.Context(), positionID, req.Note)
	if err != nil {
		s.logger.Warn("Position resolution rejected", "position_id", positionID, "error", err.Error())
		switch {
		case errors.Is(err, apperrors.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, apperrors.ErrConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"position_id": pos.ID,
		"status":      string(pos.Status),
		"closed_at":   pos.ClosedAt.UTC().Format(time.RFC3339),
	})
}
