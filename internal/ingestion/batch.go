// Package ingestion implements the Batch Translator (§4.3): it parses the
// POST /api/v1/runs/batch wire payload, validates each element against the
// RunCreate/RunUpdate schema, applies the batch-level project-name policy,
// and produces a runs.Trace per element for the Reconciliation Engine.
package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
)

// Validation errors, returned per-element in BatchResult.Errors rather than
// aborting the whole batch (§4.1: malformed elements are reported, not
// fatal).
var (
	ErrMissingID        = errors.New("id is required")
	ErrInvalidID        = errors.New("id is not a valid UUID")
	ErrMissingName      = errors.New("name is required")
	ErrNameTooLong      = fmt.Errorf("name exceeds %d characters", runs.MaxNameLength)
	ErrMissingRunType   = errors.New("run_type is required")
	ErrInvalidRunType   = errors.New("run_type is invalid")
	ErrMissingStartTime = errors.New("start_time is required")
	ErrEmptyBatch       = errors.New("batch must contain at least one post or patch element")
)

// wireRunCreate mirrors the RunCreate JSON schema (§6.1).
type wireRunCreate struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	RunType            string          `json:"run_type"`
	StartTime          *time.Time      `json:"start_time"`
	EndTime            *time.Time      `json:"end_time"`
	ParentRunID        *string         `json:"parent_run_id"`
	Inputs             json.RawMessage `json:"inputs"`
	Outputs            json.RawMessage `json:"outputs"`
	Extra              json.RawMessage `json:"extra"`
	Serialized         json.RawMessage `json:"serialized"`
	Events             json.RawMessage `json:"events"`
	Tags               []string        `json:"tags"`
	Error              *string         `json:"error"`
	ProjectName        *string         `json:"project_name"`
	SessionName        *string         `json:"session_name"`
	ReferenceExampleID *string         `json:"reference_example_id"`
}

// wireRunUpdate mirrors the RunUpdate JSON schema (§6.1). Every field is
// optional; presence is detected via presenceKeys rather than nil checks so
// that "key omitted" and "key present with a zero value" are distinguishable
// per §4.3's patch semantics.
type wireRunUpdate struct {
	ID                 string          `json:"id"`
	Name               *string         `json:"name"`
	EndTime            *time.Time      `json:"end_time"`
	Outputs            json.RawMessage `json:"outputs"`
	Extra              json.RawMessage `json:"extra"`
	Events             json.RawMessage `json:"events"`
	Tags               []string        `json:"tags"`
	Error              *string         `json:"error"`
	ParentRunID        *string         `json:"parent_run_id"`
	ProjectName        *string         `json:"project_name"`
	ReferenceExampleID *string         `json:"reference_example_id"`
}

// BatchRequest is the parsed form of the wire payload.
type BatchRequest struct {
	Traces      []runs.Trace
	PreSampled  bool
	ElementErrs []ElementError
}

// ElementError reports a validation failure for one batch element, keyed by
// its position so the client can correlate it back to the payload it sent.
type ElementError struct {
	Index int
	ID    string
	Err   error
}

type rawBatchRequest struct {
	Post       []json.RawMessage `json:"post"`
	Patch      []json.RawMessage `json:"patch"`
	PreSampled bool              `json:"pre_sampled"`
}

// ParseBatchRequest decodes and validates body, applying the project-name
// policy (§4.3: the first post element's session_name, if any, overwrites
// project_name across every element in the batch).
func ParseBatchRequest(body []byte) (*BatchRequest, error) {
	var raw rawBatchRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode batch request: %w", err)
	}

	if len(raw.Post) == 0 && len(raw.Patch) == 0 {
		return nil, ErrEmptyBatch
	}

	result := &BatchRequest{PreSampled: raw.PreSampled}

	sessionName := firstSessionName(raw.Post)

	for i, item := range raw.Post {
		trace, id, err := parseCreate(item, sessionName)
		if err != nil {
			result.ElementErrs = append(result.ElementErrs, ElementError{Index: i, ID: id, Err: err})

			continue
		}

		result.Traces = append(result.Traces, *trace)
	}

	for i, item := range raw.Patch {
		trace, id, err := parseUpdate(item, sessionName)
		if err != nil {
			result.ElementErrs = append(result.ElementErrs, ElementError{Index: i, ID: id, Err: err})

			continue
		}

		result.Traces = append(result.Traces, *trace)
	}

	return result, nil
}

func firstSessionName(post []json.RawMessage) *string {
	if len(post) == 0 {
		return nil
	}

	var first wireRunCreate
	if err := json.Unmarshal(post[0], &first); err != nil {
		return nil
	}

	return first.SessionName
}

func parseCreate(raw json.RawMessage, sessionNameOverride *string) (*runs.Trace, string, error) {
	var w wireRunCreate
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, "", fmt.Errorf("decode run: %w", err)
	}

	if w.ID == "" {
		return nil, "", ErrMissingID
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, w.ID, ErrInvalidID
	}

	if w.Name == "" {
		return nil, w.ID, ErrMissingName
	}

	if len(w.Name) > runs.MaxNameLength {
		return nil, w.ID, ErrNameTooLong
	}

	if w.RunType == "" {
		return nil, w.ID, ErrMissingRunType
	}

	runType, err := runs.ParseRunType(w.RunType)
	if err != nil {
		return nil, w.ID, ErrInvalidRunType
	}

	if w.StartTime == nil {
		return nil, w.ID, ErrMissingStartTime
	}

	var rawPresence map[string]json.RawMessage
	_ = json.Unmarshal(raw, &rawPresence)

	run := &runs.Run{
		ID:        id,
		Name:      w.Name,
		RunType:   runType,
		StartTime: w.StartTime.UTC(),
		EndTime:   w.EndTime,
		Error:     w.Error,
		Tags:      w.Tags,
	}

	if w.ParentRunID != nil {
		parentID, perr := uuid.Parse(*w.ParentRunID)
		if perr != nil {
			return nil, w.ID, fmt.Errorf("parent_run_id: %w", ErrInvalidID)
		}

		run.ParentRunID = &parentID
	}

	run.Inputs = decodeMap(w.Inputs)
	run.Outputs = decodeMapPresent(w.Outputs, rawPresence, "outputs")
	run.Extra = decodeMap(w.Extra)
	run.Serialized = decodeMap(w.Serialized)
	run.Events = decodeEvents(w.Events)
	run.ReferenceExampleID = w.ReferenceExampleID

	projectName := w.ProjectName
	if sessionNameOverride != nil {
		projectName = sessionNameOverride
	}

	run.ProjectName = projectName

	hasOutputs := run.Outputs != nil
	hasError := run.Error != nil
	hasEndTime := run.EndTime != nil

	run.Status = creationStatus(hasEndTime, hasOutputs, hasError)

	return &runs.Trace{ID: id, Create: run}, w.ID, nil
}

// creationStatus applies §4.3's completion-by-pattern rule for a brand-new
// run: end_time+outputs (no error) completes it, end_time+error fails it,
// anything else leaves it running.
func creationStatus(hasEndTime, hasOutputs, hasError bool) runs.Status {
	switch {
	case hasEndTime && hasError:
		return runs.StatusFailed
	case hasEndTime && hasOutputs:
		return runs.StatusCompleted
	default:
		return runs.StatusRunning
	}
}

func parseUpdate(raw json.RawMessage, sessionNameOverride *string) (*runs.Trace, string, error) {
	var w wireRunUpdate
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, "", fmt.Errorf("decode run update: %w", err)
	}

	if w.ID == "" {
		return nil, "", ErrMissingID
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, w.ID, ErrInvalidID
	}

	var presence map[string]json.RawMessage
	_ = json.Unmarshal(raw, &presence)

	patch := &runs.Patch{}

	if w.Name != nil {
		patch.Name = w.Name
		patch.HasName = true
	}

	if _, ok := presence["end_time"]; ok {
		patch.EndTime = w.EndTime
		patch.HasEndTime = true
	}

	if _, ok := presence["outputs"]; ok {
		patch.Outputs = decodeMap(w.Outputs)
		patch.HasOutputs = true
	}

	if _, ok := presence["extra"]; ok {
		patch.Extra = decodeMap(w.Extra)
		patch.HasExtra = true
	}

	if _, ok := presence["events"]; ok {
		patch.Events = decodeEvents(w.Events)
		patch.HasEvents = true
	}

	if _, ok := presence["tags"]; ok {
		patch.Tags = w.Tags
		patch.HasTags = true
	}

	if w.Error != nil {
		patch.Error = w.Error
		patch.HasError = true
	}

	if w.ParentRunID != nil {
		parentID, perr := uuid.Parse(*w.ParentRunID)
		if perr != nil {
			return nil, w.ID, fmt.Errorf("parent_run_id: %w", ErrInvalidID)
		}

		patch.ParentRunID = &parentID
		patch.HasParent = true
	}

	if _, ok := presence["reference_example_id"]; ok {
		patch.ReferenceExampleID = w.ReferenceExampleID
		patch.HasReferenceID = true
	}

	projectName := w.ProjectName
	if sessionNameOverride != nil {
		projectName = sessionNameOverride
	}

	if projectName != nil {
		patch.ProjectName = projectName
		patch.HasProjectName = true
	}

	return &runs.Trace{ID: id, Update: patch}, w.ID, nil
}

func decodeMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}

	return m
}

func decodeMapPresent(raw json.RawMessage, presence map[string]json.RawMessage, key string) map[string]any {
	if _, ok := presence[key]; !ok {
		return nil
	}

	return decodeMap(raw)
}

func decodeEvents(raw json.RawMessage) []runs.Event {
	if len(raw) == 0 {
		return nil
	}

	var events []runs.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil
	}

	return events
}
