// Package server provides the HTTP surface for the coordination
// daemon.
//
// This package implements a graceful HTTP server with Echo router,
// health and readiness endpoints, a Prometheus metrics endpoint, and
// context-aware shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tmnsystems/secondbrain-sub001/internal/config"
	"github.com/tmnsystems/secondbrain-sub001/internal/contextstore"
)

// Server represents the HTTP server.
type Server struct {
	config *config.Config
	store  contextstore.Service
	echo   *echo.Echo
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status  string          `json:"status"`
	Service string          `json:"service"`
	Tiers   map[string]bool `json:"tiers,omitempty"`
}

// NewServer creates a new HTTP server with the given configuration.
//
// The server includes:
//   - Echo router for HTTP routing
//   - Standard middleware (logger, recoverer, request ID)
//   - Liveness endpoint at GET /healthz
//   - Readiness endpoint at GET /readyz reporting per-tier health
//   - Prometheus metrics at GET /metrics
//   - Graceful shutdown support
//
// The context store is optional; without one, /readyz reports ready
// unconditionally.
func NewServer(cfg *config.Config, store contextstore.Service) *Server {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config: cfg,
		store:  store,
		echo:   e,
	}

	s.registerRoutes()

	return s
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/readyz", s.handleReadyz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// handleHealthz handles liveness probes.
func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.Telemetry.ServiceName,
	})
}

// handleReadyz handles readiness probes. The daemon is ready when at
// least one storage tier answers healthy; a degraded tier set is
// reported but only a fully dark store fails the probe.
func (s *Server) handleReadyz(c echo.Context) error {
	response := HealthResponse{
		Status:  "ready",
		Service: s.config.Telemetry.ServiceName,
	}
	if s.store == nil {
		return c.JSON(http.StatusOK, response)
	}

	tiers := s.store.Healthy(c.Request().Context())
	response.Tiers = tiers

	anyHealthy := false
	for _, healthy := range tiers {
		if healthy {
			anyHealthy = true
			break
		}
	}
	if !anyHealthy {
		response.Status = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, response)
	}
	return c.JSON(http.StatusOK, response)
}

// Start starts the HTTP server and blocks until context is cancelled.
//
// The server listens on the port specified in the configuration.
// When the context is cancelled, the server performs graceful shutdown
// with the configured timeout.
//
// Returns http.ErrServerClosed on graceful shutdown, or any other
// error encountered during startup or shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.config.Server.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
