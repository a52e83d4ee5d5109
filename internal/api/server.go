// Package api provides the Ingress Facade (C7): the batch JSON endpoint, the
// OTLP/HTTP endpoint, the dashboard read API, and the live-stream upgrade.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentsight/tracecollector/internal/api/middleware"
	"github.com/agentsight/tracecollector/internal/dashboard"
	"github.com/agentsight/tracecollector/internal/eventbus"
	"github.com/agentsight/tracecollector/internal/reconcile"
)

// HealthChecker is the subset of the storage connection the readiness probe
// needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP half of the Ingress Facade + Query Surface: the batch
// endpoint, the OTLP/HTTP endpoint, the dashboard read API and the `/ws`
// live-stream upgrade, each mounted as its own route group.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time

	engine    *reconcile.Engine
	dashboard *dashboard.Service
	bus       *eventbus.Bus
	health    HealthChecker
	throttle  *middleware.Throttle

	extraClosers []namedCloser
}

// namedCloser pairs a dependency the composition root wants drained at
// shutdown with the label it should be logged under.
type namedCloser struct {
	name string
	dep  any
}

// RegisterCloser adds dep to the set drained after the HTTP server stops
// accepting connections, in registration order. dep must implement
// Shutdown(context.Context) error, Close(context.Context) error or
// io.Closer; anything else is ignored.
// This lets the composition root (cmd/collector) hand the Server its
// store, forward grouper and OTLP gRPC listener without the Server package
// importing any of them directly.
func (s *Server) RegisterCloser(name string, dep any) {
	s.extraClosers = append(s.extraClosers, namedCloser{name: name, dep: dep})
}

// NewServer creates a new HTTP server instance with structured logging and
// middleware stack. Dependencies are injected explicitly, mirroring the
// separation of ServerConfig (what) from wired collaborators (how).
func NewServer(
	cfg *ServerConfig,
	engine *reconcile.Engine,
	dashboardSvc *dashboard.Service,
	bus *eventbus.Bus,
	health HealthChecker,
	throttle *middleware.Throttle,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if engine == nil || dashboardSvc == nil {
		logger.Error("reconciliation engine and dashboard service are required - cannot start server")
		panic("tracecollector: engine/dashboard cannot be nil - this indicates a configuration error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:    logger,
		config:    cfg,
		engine:    engine,
		dashboard: dashboardSvc,
		bus:       bus,
		health:    health,
		throttle:  throttle,
	}

	server.setupRoutes(mux)

	if throttle != nil {
		logger.Info("ingress throttle enabled")
	} else {
		logger.Warn("ingress throttle not configured - rate limiting disabled")
	}

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithThrottle(throttle, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	instrumented := otelhttp.NewHandler(handler, "tracecollector.ingress")

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      instrumented,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	server.httpServer = httpServer

	return server
}

// Start starts the HTTP server and blocks until shutdown, handling graceful
// shutdown on SIGINT/SIGTERM.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting trace collector ingress facade",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the HTTP server and drains dependencies,
// best-effort: a failing dependency never blocks the others from closing.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	for _, c := range s.extraClosers {
		s.closeDependency(ctx, c.name, c.dep)
	}

	s.closeDependency(ctx, "event bus", s.bus)
	s.closeDependency(ctx, "ingress throttle", s.throttle)

	s.logger.Info("server shutdown completed successfully")

	return nil
}

// closeDependency closes a dependency that implements a context-aware or
// plain Close, logging the outcome but never failing shutdown on error.
func (s *Server) closeDependency(ctx context.Context, name string, dep any) {
	if dep == nil {
		return
	}

	s.logger.Info("closing " + name)

	switch closer := dep.(type) {
	case interface{ Shutdown(context.Context) error }:
		if err := closer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

			return
		}
	case interface{ Close(context.Context) error }:
		if err := closer.Close(ctx); err != nil {
			s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

			return
		}
	case io.Closer:
		if err := closer.Close(); err != nil {
			s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

			return
		}
	default:
		return
	}

	s.logger.Info(name + " closed successfully")
}
