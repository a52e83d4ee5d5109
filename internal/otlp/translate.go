// Package otlp translates OpenTelemetry OTLP trace export requests into
// Run values understood by the Reconciliation Engine (§4.2). It mirrors the
// proto-traversal shape of a standard OTLP trace receiver: walk
// ResourceSpans -> ScopeSpans -> Spans, unwrap AnyValue attributes into
// plain Go values, then apply this system's semantic-attribute extraction
// rules on top.
package otlp

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/agentsight/tracecollector/internal/runs"
)

// defaultProjectName is used when a ResourceSpans carries no service.name
// attribute.
const defaultProjectName = "unknown"

var indexedAttr = regexp.MustCompile(`^(.+)\.(\d+)\.(.+)$`)

// RunID derives a deterministic run id from an OTLP (trace_id, span_id) pair
// using RFC4122 UUIDv5 over the OID namespace, so that redelivery of the
// same span always resolves to the same run (§4.2, §3.2 invariant 7).
func RunID(traceIDHex, spanIDHex string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(traceIDHex+":"+spanIDHex))
}

// TranslateRequest converts every span in req into a Run, deduplicating
// spans that share a (trace_id, span_id) pair within the same request.
func TranslateRequest(req *coltracepb.ExportTraceServiceRequest) []*runs.Run {
	var out []*runs.Run

	seen := make(map[string]struct{})

	for _, rs := range req.GetResourceSpans() {
		projectName := resourceProjectName(rs.GetResource())
		resourceTags := resourceAttributeKeys(rs.GetResource())

		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				key := hex.EncodeToString(span.GetTraceId()) + ":" + hex.EncodeToString(span.GetSpanId())
				if _, dup := seen[key]; dup {
					continue
				}

				seen[key] = struct{}{}

				out = append(out, translateSpan(span, projectName, resourceTags))
			}
		}
	}

	return out
}

func translateSpan(span *tracepb.Span, projectName string, resourceTags []string) *runs.Run {
	traceIDHex := hex.EncodeToString(span.GetTraceId())
	spanIDHex := hex.EncodeToString(span.GetSpanId())

	attrs := attributeMap(span.GetAttributes())

	run := &runs.Run{
		ID:        RunID(traceIDHex, spanIDHex),
		Name:      span.GetName(),
		RunType:   inferRunType(attrs),
		StartTime: time.Unix(0, int64(span.GetStartTimeUnixNano())).UTC(),
		Tags:      buildTags(resourceTags, attrs),
		Extra:     buildExtra(traceIDHex, spanIDHex, span, attrs),
	}

	projName := projectName
	run.ProjectName = &projName

	if parentHex := hex.EncodeToString(span.GetParentSpanId()); parentHex != "" && parentHex != strings.Repeat("0", len(parentHex)) {
		parentID := RunID(traceIDHex, parentHex)
		run.ParentRunID = &parentID
	}

	if endNano := span.GetEndTimeUnixNano(); endNano != 0 {
		end := time.Unix(0, int64(endNano)).UTC()
		run.EndTime = &end
	}

	run.Inputs = extractInputs(attrs)
	if outputs := extractOutputs(attrs); len(outputs) > 0 {
		run.Outputs = outputs
	}

	run.Events = translateEvents(span.GetEvents())

	hasError, errMsg := spanError(span)
	if hasError {
		run.Error = &errMsg
	}

	run.Status = runs.DeriveStatus(hasError, run.EndTime != nil, run.Outputs != nil, runs.StatusRunning)

	return run
}

// inferRunType applies §4.2's LLM-detection rule: any attribute key
// prefixed "llm." or an explicit langsmith.span.kind of "LLM" marks the run
// as an llm run; everything else defaults to chain.
func inferRunType(attrs map[string]any) runs.RunType {
	if kind, ok := attrs["langsmith.span.kind"].(string); ok && strings.EqualFold(kind, "LLM") {
		return runs.RunTypeLLM
	}

	for k := range attrs {
		if strings.HasPrefix(k, "llm.") {
			return runs.RunTypeLLM
		}
	}

	return runs.RunTypeChain
}

// extractInputs builds the Inputs map per §4.2: llm.prompt.<i>.content
// values become an ordered "prompts" list, input.*/request.* attributes are
// prefix-stripped into top-level keys, and workflow.input.topic becomes
// "topic".
func extractInputs(attrs map[string]any) map[string]any {
	out := map[string]any{}

	if prompts := indexedStrings(attrs, "llm.prompt"); len(prompts) > 0 {
		out["prompts"] = prompts
	}

	for k, v := range attrs {
		switch {
		case strings.HasPrefix(k, "input."):
			out[strings.TrimPrefix(k, "input.")] = v
		case strings.HasPrefix(k, "request."):
			out[strings.TrimPrefix(k, "request.")] = v
		}
	}

	if topic, ok := attrs["workflow.input.topic"]; ok {
		out["topic"] = topic
	}

	return out
}

// extractOutputs builds the Outputs map per §4.2: llm.completion.<i>.content
// values become an ordered "completions" list (with the first also exposed
// as "text"), output.* attributes are prefix-stripped, and a present token
// usage triple is nested under "usage".
func extractOutputs(attrs map[string]any) map[string]any {
	out := map[string]any{}

	if completions := indexedStrings(attrs, "llm.completion"); len(completions) > 0 {
		out["completions"] = completions
		out["text"] = completions[0]
	}

	for k, v := range attrs {
		if strings.HasPrefix(k, "output.") {
			out[strings.TrimPrefix(k, "output.")] = v
		}
	}

	usage := map[string]any{}

	for _, field := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		if v, ok := attrs["llm.usage."+field]; ok {
			usage[field] = v
		}
	}

	if len(usage) > 0 {
		out["usage"] = usage
	}

	return out
}

// indexedStrings collects attrs keyed "<prefix>.<i>.content" in ascending
// index order.
func indexedStrings(attrs map[string]any, prefix string) []string {
	type indexed struct {
		idx int
		val string
	}

	var matches []indexed

	for k, v := range attrs {
		if !strings.HasPrefix(k, prefix+".") {
			continue
		}

		m := indexedAttr.FindStringSubmatch(k)
		if m == nil || m[1] != prefix || m[3] != "content" {
			continue
		}

		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}

		s, ok := v.(string)
		if !ok {
			continue
		}

		matches = append(matches, indexed{idx: idx, val: s})
	}

	if len(matches) == 0 {
		return nil
	}

	out := make([]string, len(matches))
	for _, m := range matches {
		if m.idx >= 0 && m.idx < len(matches) {
			out[m.idx] = m.val
		}
	}

	return out
}

// buildTags combines resource attribute keys (bare) with selected span
// attributes encoded as "key=value" per §4.2.
func buildTags(resourceKeys []string, attrs map[string]any) []string {
	tags := make([]string, 0, len(resourceKeys))
	tags = append(tags, resourceKeys...)

	for _, k := range []string{"llm.vendor", "llm.request.model", "workflow.name", "step.name"} {
		if v, ok := attrs[k]; ok {
			tags = append(tags, fmt.Sprintf("%s=%v", k, v))
		}
	}

	return tags
}

// buildExtra carries the raw OTLP identifiers and the model name forward so
// the Forward Grouper can re-derive trace grouping and OTel replay later.
func buildExtra(traceIDHex, spanIDHex string, span *tracepb.Span, attrs map[string]any) map[string]any {
	extra := map[string]any{
		"otlp.trace_id": traceIDHex,
		"otlp.span_id":  spanIDHex,
	}

	if parentHex := hex.EncodeToString(span.GetParentSpanId()); parentHex != "" && parentHex != strings.Repeat("0", len(parentHex)) {
		extra["otlp.parent_span_id"] = parentHex
	}

	if model, ok := attrs["llm.request.model"]; ok {
		extra["model"] = model
	}

	return extra
}

func translateEvents(spanEvents []*tracepb.Span_Event) []runs.Event {
	if len(spanEvents) == 0 {
		return nil
	}

	out := make([]runs.Event, 0, len(spanEvents))

	for _, e := range spanEvents {
		out = append(out, runs.Event{
			Name:       e.GetName(),
			Time:       time.Unix(0, int64(e.GetTimeUnixNano())).UTC(),
			Attributes: attributeMap(e.GetAttributes()),
		})
	}

	return out
}

func spanError(span *tracepb.Span) (bool, string) {
	status := span.GetStatus()
	if status == nil || status.GetCode() != tracepb.Status_STATUS_CODE_ERROR {
		return false, ""
	}

	return true, "OTLP span error"
}

func resourceProjectName(resource *resourcepb.Resource) string {
	for _, kv := range resource.GetAttributes() {
		if kv.GetKey() == "service.name" {
			if v, ok := convertAnyValue(kv.GetValue()).(string); ok && v != "" {
				return v
			}
		}
	}

	return defaultProjectName
}

func resourceAttributeKeys(resource *resourcepb.Resource) []string {
	attrs := resource.GetAttributes()
	if len(attrs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(attrs))
	for _, kv := range attrs {
		keys = append(keys, kv.GetKey())
	}

	return keys
}

func attributeMap(attrs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[kv.GetKey()] = convertAnyValue(kv.GetValue())
	}

	return out
}

// convertAnyValue unwraps an OTLP AnyValue into a plain Go value, following
// the same type switch shape used by standard OTLP trace receivers.
func convertAnyValue(value *commonpb.AnyValue) any {
	if value == nil {
		return nil
	}

	switch v := value.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_BoolValue:
		return v.BoolValue
	case *commonpb.AnyValue_IntValue:
		return v.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return v.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return v.BytesValue
	case *commonpb.AnyValue_ArrayValue:
		items := v.ArrayValue.GetValues()
		out := make([]any, 0, len(items))

		for _, item := range items {
			out = append(out, convertAnyValue(item))
		}

		return out
	case *commonpb.AnyValue_KvlistValue:
		return attributeMap(v.KvlistValue.GetValues())
	default:
		return nil
	}
}
