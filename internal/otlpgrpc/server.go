// Package otlpgrpc implements the OTLP gRPC trace ingestion endpoint
// (§4.1, §6.2): the standard `TraceService/Export` RPC. This system has no
// multi-tenancy, so there's no auth/project-ID extraction here, and spans
// feed the Reconciliation Engine directly rather than a message queue.
package otlpgrpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/agentsight/tracecollector/internal/otlp"
	"github.com/agentsight/tracecollector/internal/reconcile"
	"github.com/agentsight/tracecollector/internal/runs"
)

// Handler implements the OTLP TraceService gRPC server.
type Handler struct {
	coltracepb.UnimplementedTraceServiceServer

	engine *reconcile.Engine
	logger *slog.Logger
}

// NewHandler constructs a Handler delegating every exported span to engine
// via the OTLP Translator (§4.2).
func NewHandler(engine *reconcile.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{engine: engine, logger: logger}
}

// Export implements TraceService.Export: translate every span to a Run and
// upsert it through the Reconciliation Engine, mirroring the Ingress
// Facade's batch-dedup-then-upsert flow (§4.1) for the gRPC transport.
func (h *Handler) Export(
	ctx context.Context,
	req *coltracepb.ExportTraceServiceRequest,
) (*coltracepb.ExportTraceServiceResponse, error) {
	if len(req.GetResourceSpans()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "OTLP request must contain at least one resource span")
	}

	translated := otlp.TranslateRequest(req)

	h.logger.Debug("received gRPC OTLP trace export",
		slog.Int("resource_spans", len(req.GetResourceSpans())),
		slog.Int("translated_runs", len(translated)),
	)

	var failed int

	for _, run := range translated {
		trace := runs.Trace{ID: run.ID, Create: run}

		if _, _, err := h.engine.Upsert(ctx, trace); err != nil {
			failed++

			h.logger.Error("gRPC OTLP span upsert failed",
				slog.String("run_id", run.ID.String()), slog.Any("error", err))
		}
	}

	if failed == len(translated) && failed > 0 {
		return nil, status.Error(codes.Internal, "failed to process OTLP spans")
	}

	return &coltracepb.ExportTraceServiceResponse{}, nil
}
