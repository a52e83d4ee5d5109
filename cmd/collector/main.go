// Package main provides the trace collector service: the OTLP/LangSmith
// ingestion facade, the reconciliation engine, the live event bus, the
// forward grouper and the dashboard query surface, composed the way the
// composing each subsystem explicitly at startup.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/agentsight/tracecollector/internal/api"
	"github.com/agentsight/tracecollector/internal/api/middleware"
	"github.com/agentsight/tracecollector/internal/config"
	"github.com/agentsight/tracecollector/internal/dashboard"
	"github.com/agentsight/tracecollector/internal/eventbus"
	"github.com/agentsight/tracecollector/internal/forwarder"
	"github.com/agentsight/tracecollector/internal/otlpgrpc"
	"github.com/agentsight/tracecollector/internal/reconcile"
	"github.com/agentsight/tracecollector/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "tracecollector"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()
	grpcConfig := api.LoadGRPCConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting trace collector service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("failed to connect to storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runStore := storage.NewRunStore(conn, logger)

	bus := eventbus.NewBus(logger)

	overrides, err := config.LoadForwarderOverridesFromEnv()
	if err != nil {
		logger.Error("failed to load forwarder overrides", slog.String("error", err.Error()))
		os.Exit(1)
	}

	forwarderConfig := forwarder.LoadConfig(overrides)
	exporterConfig := forwarder.LoadExporterConfig(overrides)

	ctx := context.Background()

	exporter, err := forwarder.NewOTelExporter(ctx, forwarderConfig, exporterConfig)
	if err != nil {
		logger.Error("failed to build OTLP forward exporter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	grouper := forwarder.NewGrouper(runStore, exporter, forwarderConfig, logger)

	engine := reconcile.NewEngine(runStore, bus, grouper, reconcile.WithLogger(logger))

	dashboardSvc := dashboard.NewService(runStore, runStore, engine, bus, serverConfig.StaleRunTimeoutMin)

	var throttle *middleware.Throttle
	if config.GetEnvBool("THROTTLE_ENABLED", true) {
		throttle = middleware.NewThrottle(middleware.LoadThrottleConfigFromEnv())
	}

	server := api.NewServer(&serverConfig, engine, dashboardSvc, bus, conn, throttle)

	var grpcListener *otlpgrpc.Listener

	if grpcConfig.Enabled {
		handler := otlpgrpc.NewHandler(engine, logger)

		grpcListener, err = otlpgrpc.NewListener(otlpgrpc.Config{Host: grpcConfig.Host, Port: grpcConfig.Port}, handler, logger)
		if err != nil {
			logger.Error("failed to start OTLP gRPC listener", slog.String("error", err.Error()))
			os.Exit(1)
		}

		go func() {
			if err := grpcListener.Serve(); err != nil {
				logger.Error("OTLP gRPC listener stopped", slog.String("error", err.Error()))
			}
		}()

		server.RegisterCloser("otlp gRPC listener", grpcListener)
	}

	server.RegisterCloser("forward grouper", grouper)
	server.RegisterCloser("storage connection", conn)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("trace collector service stopped")
}
