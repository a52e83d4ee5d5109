package otlpgrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// Config selects the OTLP gRPC listener address (§6.2, §6.5).
type Config struct {
	Host string
	Port int
}

// Listener wraps a grpc.Server bound to the OTLP TraceService: listen,
// then Serve in the background, with GracefulStop on shutdown.
type Listener struct {
	server   *grpc.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewListener binds a gRPC listener on cfg's address and registers handler
// as the TraceService implementation. It does not start serving; call Serve
// from its own goroutine.
func NewListener(cfg Config, handler *Handler, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(server, handler)

	return &Listener{server: server, listener: lis, logger: logger}, nil
}

// Addr reports the bound address, useful when Port was 0.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Serve blocks accepting OTLP gRPC exports until Shutdown stops the server.
// It returns nil once Shutdown's GracefulStop has stopped the server, and a
// non-nil error if accepting connections fails.
func (l *Listener) Serve() error {
	l.logger.Info("OTLP gRPC listener starting", slog.String("address", l.Addr()))

	return l.server.Serve(l.listener)
}

// Shutdown gracefully stops the gRPC server, letting in-flight Export calls
// finish. context cancellation has no effect on grpc.Server.GracefulStop, so
// ctx is accepted only to satisfy this codebase's Shutdown(ctx) error
// convention for dependency draining.
func (l *Listener) Shutdown(_ context.Context) error {
	l.logger.Info("OTLP gRPC listener shutting down")
	l.server.GracefulStop()

	return nil
}
