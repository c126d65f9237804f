// Package server hosts the operator HTTP surface: Prometheus metrics, a
// liveness check and, in trading modes, execution control and the trade
// ledger.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/venuearb/internal/server/handler"
	"github.com/alanyoungcy/venuearb/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr   string
	APIKey string // guards the control routes; empty disables auth
}

// Server is the control and metrics HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and wraps them in request logging. control
// may be nil, in which case only /metrics and /healthz are served.
func NewServer(cfg Config, metrics http.Handler, control *handler.ControlHandler, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", handler.HealthCheck)

	if control != nil {
		auth := middleware.Auth(cfg.APIKey)
		mux.Handle("GET /status", auth(http.HandlerFunc(control.GetStatus)))
		mux.Handle("POST /resume", auth(http.HandlerFunc(control.Resume)))
		mux.Handle("GET /trades", auth(http.HandlerFunc(control.ListTrades)))
		mux.Handle("POST /trades/{id}/correct", auth(http.HandlerFunc(control.CorrectTrade)))
		mux.Handle("GET /events", auth(http.HandlerFunc(control.ListEvents)))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.Logging(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
