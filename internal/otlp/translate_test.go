package otlp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/agentsight/tracecollector/internal/otlp"
	"github.com/agentsight/tracecollector/internal/runs"
)

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func TestTranslateRequestBuildsLLMRun(t *testing.T) {
	traceID := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	spanID := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{strAttr("service.name", "checkout-agent")},
				},
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Spans: []*tracepb.Span{
							{
								TraceId:           traceID,
								SpanId:            spanID,
								Name:              "call-llm",
								StartTimeUnixNano: 1_700_000_000_000_000_000,
								EndTimeUnixNano:   1_700_000_000_500_000_000,
								Attributes: []*commonpb.KeyValue{
									strAttr("llm.request.model", "gpt-4"),
									strAttr("llm.prompt.0.content", "hello"),
									strAttr("llm.completion.0.content", "hi there"),
									intAttr("llm.usage.prompt_tokens", 5),
									intAttr("llm.usage.completion_tokens", 3),
									intAttr("llm.usage.total_tokens", 8),
								},
								Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
							},
						},
					},
				},
			},
		},
	}

	out := otlp.TranslateRequest(req)
	require.Len(t, out, 1)

	run := out[0]
	assert.Equal(t, runs.RunTypeLLM, run.RunType)
	assert.Equal(t, runs.StatusCompleted, run.Status)
	assert.Nil(t, run.ParentRunID)
	assert.Equal(t, "checkout-agent", *run.ProjectName)
	assert.Equal(t, []string{"hello"}, run.Inputs["prompts"])
	assert.Equal(t, "hi there", run.Outputs["text"])
	usage, ok := run.Outputs["usage"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, usage["prompt_tokens"])
	assert.Equal(t, "gpt-4", run.Extra["model"])
}

func TestTranslateRequestDeterministicID(t *testing.T) {
	traceID := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	spanID := []byte{8, 8, 8, 8, 8, 8, 8, 8}

	span := &tracepb.Span{TraceId: traceID, SpanId: spanID, Name: "n", StartTimeUnixNano: 1}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{span}}}},
		},
	}

	first := otlp.TranslateRequest(req)
	second := otlp.TranslateRequest(req)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, runs.StatusRunning, first[0].Status)
}

func TestTranslateRequestDedupesWithinRequest(t *testing.T) {
	traceID := []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	spanID := []byte{2, 2, 2, 2, 2, 2, 2, 2}

	span := &tracepb.Span{TraceId: traceID, SpanId: spanID, Name: "dup", StartTimeUnixNano: 1}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{span, span}}}},
		},
	}

	out := otlp.TranslateRequest(req)
	assert.Len(t, out, 1)
}

func TestTranslateRequestParentLinksViaParentSpanID(t *testing.T) {
	traceID := []byte{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
	parentSpanID := []byte{4, 4, 4, 4, 4, 4, 4, 4}
	childSpanID := []byte{5, 5, 5, 5, 5, 5, 5, 5}

	parent := &tracepb.Span{TraceId: traceID, SpanId: parentSpanID, Name: "parent", StartTimeUnixNano: 1}
	child := &tracepb.Span{TraceId: traceID, SpanId: childSpanID, ParentSpanId: parentSpanID, Name: "child", StartTimeUnixNano: 2}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{parent, child}}}},
		},
	}

	out := otlp.TranslateRequest(req)
	require.Len(t, out, 2)

	var parentRun, childRun *runs.Run

	for _, r := range out {
		if r.ParentRunID == nil {
			parentRun = r
		} else {
			childRun = r
		}
	}

	require.NotNil(t, parentRun)
	require.NotNil(t, childRun)
	assert.Equal(t, parentRun.ID, *childRun.ParentRunID)
}
