package forwarder

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentsight/tracecollector/internal/runs"
)

// Exporter turns a reassembled run tree into a re-exported OTLP trace.
type Exporter interface {
	ExportTree(ctx context.Context, root *runs.Run, byID map[uuid.UUID]*runs.Run, children map[uuid.UUID][]*runs.Run) error
	Close(ctx context.Context) error
}

// ExporterConfig selects the downstream OTLP destination (§6.5's
// otlp_forwarder_* keys).
type ExporterConfig struct {
	Enabled     bool
	Protocol    string // "http" or "grpc"
	Endpoint    string
	ServiceName string
	Timeout     time.Duration
	Insecure    bool
}

// noopExporter is used when forwarding is disabled; Offer/flush still run,
// they just have nowhere downstream to send spans.
type noopExporter struct{}

func (noopExporter) ExportTree(context.Context, *runs.Run, map[uuid.UUID]*runs.Run, map[uuid.UUID][]*runs.Run) error {
	return nil
}

func (noopExporter) Close(context.Context) error { return nil }

// OTelExporter re-exports a reassembled run tree as a synthetic OTel trace:
// one span per run, parent-child relationships preserved via explicit
// SpanContext propagation, timestamps taken from the run's recorded start/
// end rather than wall-clock time. Built around a TracerProvider over an
// `otlptracehttp`/`otlptracegrpc` exporter. Unlike a live-tracing setup,
// this one installs a deterministic IDGenerator so historical
// (trace_id, span_id) identity can be controlled explicitly instead of
// left to the SDK's random default.
type OTelExporter struct {
	cfg      Config
	disabled bool
	tp       *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	exporter sdktrace.SpanExporter
}

// NewOTelExporter builds an Exporter from exporterCfg. When exporterCfg is
// disabled, ExportTree becomes a no-op (the Grouper still buckets and
// debounces; it just has nothing downstream to send to).
func NewOTelExporter(ctx context.Context, cfg Config, exporterCfg ExporterConfig) (Exporter, error) {
	if !exporterCfg.Enabled {
		return noopExporter{}, nil
	}

	spanExporter, err := newSpanExporter(ctx, exporterCfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", exporterCfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(spanExporter),
		sdktrace.WithResource(res),
		sdktrace.WithIDGenerator(deterministicIDGenerator{}),
	)

	return &OTelExporter{
		cfg:      cfg,
		tp:       tp,
		tracer:   tp.Tracer("tracecollector/forwarder"),
		exporter: spanExporter,
	}, nil
}

func newSpanExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp/grpc exporter: %w", err)
		}

		return exp, nil
	default:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp/http exporter: %w", err)
		}

		return exp, nil
	}
}

// ExportTree emits root and every descendant in children as a synthetic
// OTel trace sharing one trace id derived from root's run id (§4.6.3 step
// 4).
func (e *OTelExporter) ExportTree(ctx context.Context, root *runs.Run, byID map[uuid.UUID]*runs.Run, children map[uuid.UUID][]*runs.Run) error {
	traceID := traceIDFromUUID(root.ID)

	return e.emitSubtree(ctx, root, traceID, oteltrace.SpanContext{}, byID, children, 0)
}

func (e *OTelExporter) emitSubtree(
	ctx context.Context,
	run *runs.Run,
	traceID oteltrace.TraceID,
	parentSC oteltrace.SpanContext,
	byID map[uuid.UUID]*runs.Run,
	children map[uuid.UUID][]*runs.Run,
	depth int,
) error {
	spanID := spanIDFromUUID(run.ID)

	startCtx := withForcedIDs(ctx, traceID, spanID)
	if parentSC.IsValid() {
		startCtx = oteltrace.ContextWithRemoteSpanContext(startCtx, parentSC)
	}

	attrs := buildAttributes(e.cfg, run, traceID.String())
	kvAttrs := make([]attribute.KeyValue, 0, len(attrs))

	for k, v := range attrs {
		kvAttrs = append(kvAttrs, attribute.String(k, v))
	}

	spanCtx, span := e.tracer.Start(startCtx, run.Name,
		oteltrace.WithTimestamp(run.StartTime),
		oteltrace.WithAttributes(kvAttrs...),
	)

	endTime := run.StartTime
	if run.EndTime != nil {
		endTime = *run.EndTime
	}

	ownSC := span.SpanContext()

	for _, child := range orderedChildren(children[run.ID]) {
		if err := e.emitSubtree(spanCtx, child, traceID, ownSC, byID, children, depth+1); err != nil {
			return err
		}
	}

	if isStepLike(run.Outputs) {
		for _, step := range stepSpans(run.Outputs, e.cfg.MaxSyntheticSpans) {
			e.emitStepSpan(spanCtx, step, traceID, ownSC, endTime)
		}
	}

	span.End(oteltrace.WithTimestamp(endTime))

	return nil
}

func (e *OTelExporter) emitStepSpan(ctx context.Context, step stepSpan, traceID oteltrace.TraceID, parentSC oteltrace.SpanContext, endTime time.Time) {
	spanID := spanIDFromString(step.key + parentSC.SpanID().String())

	startCtx := withForcedIDs(ctx, traceID, spanID)
	startCtx = oteltrace.ContextWithRemoteSpanContext(startCtx, parentSC)

	_, span := e.tracer.Start(startCtx, step.name,
		oteltrace.WithTimestamp(endTime),
		oteltrace.WithAttributes(attribute.String("step.key", step.key), attribute.String("step.value", stringifyValue(step.value, 5))),
	)
	span.End(oteltrace.WithTimestamp(endTime))
}

func orderedChildren(runsList []*runs.Run) []*runs.Run {
	out := make([]*runs.Run, len(runsList))
	copy(out, runsList)

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartTime.Before(out[j-1].StartTime); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	return out
}

// Close flushes and shuts down the underlying TracerProvider and exporter.
func (e *OTelExporter) Close(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}

func traceIDFromUUID(id uuid.UUID) oteltrace.TraceID {
	return oteltrace.TraceID(id)
}

func spanIDFromUUID(id uuid.UUID) oteltrace.SpanID {
	var sid oteltrace.SpanID

	copy(sid[:], id[:8])

	return sid
}

func spanIDFromString(s string) oteltrace.SpanID {
	var sid oteltrace.SpanID

	copy(sid[:], []byte(s))

	return sid
}

// forcedIDsKey carries a pinned (trace, span) id pair through a single
// tracer.Start call so deterministicIDGenerator can hand it back instead of
// generating a random one.
type forcedIDsKey struct{}

type forcedIDs struct {
	traceID oteltrace.TraceID
	spanID  oteltrace.SpanID
}

func withForcedIDs(ctx context.Context, traceID oteltrace.TraceID, spanID oteltrace.SpanID) context.Context {
	return context.WithValue(ctx, forcedIDsKey{}, forcedIDs{traceID: traceID, spanID: spanID})
}

// deterministicIDGenerator lets the Forward Grouper control span identity
// explicitly so a replayed/re-exported trace's ids are reproducible rather
// than random, falling back to the SDK's usual random behavior when no id
// was pinned on the context.
type deterministicIDGenerator struct{}

func (deterministicIDGenerator) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	if f, ok := ctx.Value(forcedIDsKey{}).(forcedIDs); ok {
		return f.traceID, f.spanID
	}

	var traceID oteltrace.TraceID

	_, _ = rand.Read(traceID[:])

	var spanID oteltrace.SpanID

	_, _ = rand.Read(spanID[:])

	return traceID, spanID
}

func (deterministicIDGenerator) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	if f, ok := ctx.Value(forcedIDsKey{}).(forcedIDs); ok {
		return f.spanID
	}

	var spanID oteltrace.SpanID

	_, _ = rand.Read(spanID[:])

	return spanID
}
