// Package apiserver hosts the harness HTTP surface: the platform and catalog
// operations under /api/platform, the per-environment service facades under
// /api/env, and the health, readiness, and metrics endpoints.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/portofcontext/vestige/internal/api/handlers"
	"github.com/portofcontext/vestige/internal/auth"
	"github.com/portofcontext/vestige/internal/logging"
)

// Options carries the handlers and middleware dependencies of the server.
type Options struct {
	Port      int
	Platform  *handlers.Platform
	Catalog   *handlers.Catalog
	Facade    *handlers.Facade
	Validator auth.Validator
	Readiness ReadinessChecker
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the lifecycle component that serves the HTTP API.
type Server struct {
	port   int
	server *http.Server
	logger *logging.Logger
}

func New(opts Options) *Server {
	s := &Server{
		port:   opts.Port,
		logger: logging.GetLogger("api"),
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: s.buildRouter(opts),
		// endRun snapshots and diffs whole namespaces, so writes get a
		// generous deadline.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start implements lifecycle.Component and begins listening.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("API server listening on port %d", s.port)
	return nil
}

// Stop implements lifecycle.Component and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("HTTP server shutdown error: %v", err)
			return err
		}
		s.logger.Info("API server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("API server shutdown timed out")
		return ctx.Err()
	}
}

// Name implements lifecycle.Component.
func (s *Server) Name() string {
	return "API Server"
}
