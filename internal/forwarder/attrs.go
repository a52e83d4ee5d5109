package forwarder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentsight/tracecollector/internal/runs"
)

// stepIndicators are case-insensitive substrings that mark an output key as
// step-like (§4.6.5).
var stepIndicators = []string{
	"step", "stage", "phase", "iteration", "round", "formatted_prompt",
	"initial_response", "extracted_info", "refined_analysis",
	"structured_content", "final_analysis", "validation_result",
	"first", "second", "third", "final", "last",
}

// buildAttributes extracts the flattened attribute set for one run, per
// §4.6.4: identity fields, timing, flattened inputs/outputs/extra, tags.
// Values are stringified and truncated per cfg's limits.
func buildAttributes(cfg Config, run *runs.Run, traceID string) map[string]string {
	attrs := map[string]string{
		"run.id":         run.ID.String(),
		"run.type":       string(run.RunType),
		"run.status":     string(run.Status),
		"trace.id":       traceID,
		"run.start_time": run.StartTime.Format("2006-01-02T15:04:05.000Z07:00"),
	}

	if run.ProjectName != nil {
		attrs["project.name"] = *run.ProjectName
	}

	if run.ParentRunID != nil {
		attrs["parent_run.id"] = run.ParentRunID.String()
	}

	if run.EndTime != nil {
		attrs["run.end_time"] = run.EndTime.Format("2006-01-02T15:04:05.000Z07:00")
	}

	if ms, ok := run.DurationMillis(); ok {
		attrs["run.duration_ms"] = fmt.Sprintf("%.0f", ms)
	}

	if len(run.Tags) > 0 {
		attrs["run.tags"] = truncate(strings.Join(run.Tags, ","), cfg.AttrMaxStr)
	}

	flattenInto(cfg, attrs, "inputs", run.Inputs)
	flattenInto(cfg, attrs, "outputs", run.Outputs)
	flattenInto(cfg, attrs, "extra", run.Extra)
	flattenInto(cfg, attrs, "tag", tagMap(run.Tags))

	return attrs
}

func tagMap(tags []string) map[string]any {
	if len(tags) == 0 {
		return nil
	}

	out := make(map[string]any, len(tags))

	for i, t := range tags {
		out[fmt.Sprintf("%d", i)] = t
	}

	return out
}

// flattenInto writes prefix.<key> = stringified(value) into attrs for every
// top-level entry of m, truncating strings and capping list length per
// cfg's limits.
func flattenInto(cfg Config, attrs map[string]string, prefix string, m map[string]any) {
	if len(m) == 0 {
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		attrs[prefix+"."+k] = truncate(stringifyValue(m[k], cfg.AttrMaxListItems), cfg.AttrMaxKVStr)
	}
}

func stringifyValue(v any, maxListItems int) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		items := val
		truncatedNote := ""

		if len(items) > maxListItems {
			truncatedNote = fmt.Sprintf(" (+%d more)", len(items)-maxListItems)
			items = items[:maxListItems]
		}

		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, stringifyValue(item, maxListItems))
		}

		return "[" + strings.Join(parts, ", ") + "]" + truncatedNote
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}

	return s[:max]
}

// isStepLike applies §4.6.5's step-detection rule: any key containing a
// known indicator, or at least 3 keys total with at least 2 matching.
func isStepLike(outputs map[string]any) bool {
	if len(outputs) == 0 {
		return false
	}

	matches := 0

	for k := range outputs {
		lower := strings.ToLower(k)

		for _, indicator := range stepIndicators {
			if strings.Contains(lower, indicator) {
				matches++

				break
			}
		}
	}

	return matches >= 1
}

// stepSpans builds up to maxSpans synthetic "Step: <label>" entries from a
// step-like outputs map, in sorted key order for determinism.
func stepSpans(outputs map[string]any, maxSpans int) []stepSpan {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	if len(keys) > maxSpans {
		keys = keys[:maxSpans]
	}

	out := make([]stepSpan, 0, len(keys))
	for _, k := range keys {
		out = append(out, stepSpan{name: "Step: " + stepLabel(k), key: k, value: outputs[k]})
	}

	return out
}

type stepSpan struct {
	name  string
	key   string
	value any
}

// stepLabel maps a known output key to a human label, title-casing unknown
// keys on "_" per §4.6.5.
func stepLabel(key string) string {
	known := map[string]string{
		"formatted_prompt":   "Prompt Template",
		"initial_response":   "Initial Response",
		"extracted_info":     "Information Extraction",
		"refined_analysis":   "Analysis Refinement",
		"structured_content": "Content Structuring",
		"final_analysis":     "Final Analysis",
		"validation_result":  "Validation",
	}

	if label, ok := known[strings.ToLower(key)]; ok {
		return label
	}

	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}

		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}

	return strings.Join(parts, " ")
}
