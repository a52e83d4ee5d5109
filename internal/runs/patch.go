package runs

import (
	"time"

	"github.com/google/uuid"
)

// Patch represents a partial update to an existing Run, as produced by the
// batch translator (§4.3) or synthesized during OTLP ingestion. A field is
// applied only when its Has* presence flag is set; Status is applied
// whenever it is non-nil. Serialized has no presence flag and is not applied.
type Patch struct {
	Name               *string
	RunType            *RunType
	StartTime          *time.Time
	EndTime            *time.Time
	ParentRunID        *uuid.UUID
	Status             *Status
	Inputs             map[string]any
	Outputs            map[string]any
	Extra              map[string]any
	Serialized         map[string]any
	Events             []Event
	Tags               []string
	Error              *string
	ProjectName        *string
	ReferenceExampleID *string

	// HasOutputs/HasError/HasEndTime/HasStartTime record field *presence* in
	// the wire payload, independent of the Go zero value, so the
	// completion-by-pattern and message-sequence rules can distinguish
	// "absent" from "present but empty/zero".
	HasName        bool
	HasRunType     bool
	HasStartTime   bool
	HasEndTime     bool
	HasOutputs     bool
	HasError       bool
	HasParent      bool
	HasProjectName bool
	HasExtra       bool
	HasTags        bool
	HasEvents      bool
	HasInputs      bool
	HasReferenceID bool
}

// Apply merges the patch into run in place, following §4.3's field-by-field
// rules: extra dict-merges, tags/events replace, scalars set.
func (p *Patch) Apply(run *Run) {
	if p.HasName {
		run.Name = *p.Name
	}

	if p.HasRunType {
		run.RunType = *p.RunType
	}

	if p.HasStartTime {
		run.StartTime = *p.StartTime
	}

	if p.Status != nil {
		run.Status = *p.Status
	}

	if p.HasEndTime {
		run.EndTime = p.EndTime
	}

	if p.HasParent {
		run.ParentRunID = p.ParentRunID
	}

	if p.HasInputs {
		run.Inputs = mergeMaps(run.Inputs, p.Inputs)
	}

	if p.HasOutputs {
		run.Outputs = mergeMaps(run.Outputs, p.Outputs)
	}

	if p.HasExtra {
		run.Extra = mergeMaps(run.Extra, p.Extra)
	}

	if p.HasTags {
		run.Tags = p.Tags
	}

	if p.HasEvents {
		run.Events = p.Events
	}

	if p.HasError {
		run.Error = p.Error
	}

	if p.HasProjectName {
		run.ProjectName = p.ProjectName
	}

	if p.HasReferenceID {
		run.ReferenceExampleID = p.ReferenceExampleID
	}
}

// ToPatch converts a full Run into an equivalent Patch with every field
// marked present. This lets the Reconciliation Engine treat a create-shaped
// payload that targets an already-existing id (a retried batch POST, or an
// OTLP span redelivered within a later request) the same way it treats an
// ordinary update: merge through the normal patch-application path instead
// of a separate code path, which is what keeps redelivery idempotent (§3.2
// invariant 7).
func (r *Run) ToPatch() *Patch {
	return &Patch{
		Name:               &r.Name,
		RunType:            &r.RunType,
		StartTime:          &r.StartTime,
		Status:             &r.Status,
		EndTime:            r.EndTime,
		ParentRunID:        r.ParentRunID,
		Inputs:             r.Inputs,
		Outputs:            r.Outputs,
		Extra:              r.Extra,
		Serialized:         r.Serialized,
		Events:             r.Events,
		Tags:               r.Tags,
		Error:              r.Error,
		ProjectName:        r.ProjectName,
		ReferenceExampleID: r.ReferenceExampleID,

		HasName:        true,
		HasRunType:     true,
		HasStartTime:   true,
		HasEndTime:     r.EndTime != nil,
		HasOutputs:     r.Outputs != nil,
		HasParent:      r.ParentRunID != nil,
		HasProjectName: r.ProjectName != nil,
		HasExtra:       true,
		HasTags:        true,
		HasEvents:      true,
		HasInputs:      true,
		HasError:       r.Error != nil,
		HasReferenceID: r.ReferenceExampleID != nil,
	}
}

// mergeMaps performs a shallow dict-merge of patch values over base,
// matching the "merge extra (dict-merge)" rule of §4.3.
func mergeMaps(base, patch map[string]any) map[string]any {
	if base == nil && patch == nil {
		return nil
	}

	out := make(map[string]any, len(base)+len(patch))

	for k, v := range base {
		out[k] = v
	}

	for k, v := range patch {
		out[k] = v
	}

	return out
}
