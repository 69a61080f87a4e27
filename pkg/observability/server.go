package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Server exposes health and metrics on a dedicated listener, separate from
// the public API.
type Server struct {
	httpServer *http.Server
	addr       string
	checker    *HealthChecker
	metrics    bool
}

// NewServer creates a new observability server
func NewServer(addr string, checker *HealthChecker) *Server {
	return &Server{
		addr:    addr,
		checker: checker,
		metrics: true,
	}
}

// WithMetrics controls whether /metrics is served. It should match whether
// InitMetrics was called, otherwise the endpoint only shows runtime collectors.
func (s *Server) WithMetrics(enabled bool) *Server {
	s.metrics = enabled
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics {
		mux.Handle("/metrics", MetricsHandler())
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := s.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if response.Status == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
