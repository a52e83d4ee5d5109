// Package runs defines the canonical Run domain model shared by every
// ingestion path (OTLP spans, LangSmith-style batch payloads) and by the
// store, reconciliation, event bus, forwarder and dashboard query surface.
package runs

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunType enumerates the recognized categories of a Run.
type RunType string

// Recognized run types.
const (
	RunTypeChain     RunType = "chain"
	RunTypeLLM       RunType = "llm"
	RunTypeTool      RunType = "tool"
	RunTypeRetriever RunType = "retriever"
	RunTypeEmbedding RunType = "embedding"
	RunTypePrompt    RunType = "prompt"
	RunTypeParser    RunType = "parser"
	RunTypeServer    RunType = "server"
	RunTypeClient    RunType = "client"
	RunTypeInternal  RunType = "internal"
	RunTypeProducer  RunType = "producer"
	RunTypeConsumer  RunType = "consumer"
	RunTypeCustom    RunType = "custom"
)

// Status is the lifecycle status of a Run.
type Status string

// Recognized statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MaxNameLength is the maximum accepted length for Run.Name.
const MaxNameLength = 500

// Event is a single timestamped occurrence recorded against a run, as found
// in OTel span events or batch payload "events" arrays.
type Event struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Run is the single central entity of the system: a node in a trace tree,
// either a root (no parent) or a child (span).
type Run struct {
	ID                 uuid.UUID
	Name               string
	RunType            RunType
	StartTime          time.Time
	EndTime            *time.Time
	ParentRunID        *uuid.UUID
	Status             Status
	Inputs             map[string]any
	Outputs            map[string]any
	Extra              map[string]any
	Serialized         map[string]any
	Events             []Event
	Tags               []string
	Error              *string
	ProjectName        *string
	ReferenceExampleID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsRoot reports whether the run has no parent, i.e. is the root of a trace.
func (r *Run) IsRoot() bool {
	return r.ParentRunID == nil
}

// DurationMillis returns the run's duration in milliseconds, when both
// StartTime and EndTime are known.
func (r *Run) DurationMillis() (float64, bool) {
	if r.EndTime == nil {
		return 0, false
	}

	return float64(r.EndTime.Sub(r.StartTime).Milliseconds()), true
}

// ErrInvalidRunType is returned when a run_type string does not match any
// recognized RunType.
var ErrInvalidRunType = errors.New("invalid run_type")

var validRunTypes = map[RunType]struct{}{
	RunTypeChain: {}, RunTypeLLM: {}, RunTypeTool: {}, RunTypeRetriever: {},
	RunTypeEmbedding: {}, RunTypePrompt: {}, RunTypeParser: {}, RunTypeServer: {},
	RunTypeClient: {}, RunTypeInternal: {}, RunTypeProducer: {}, RunTypeConsumer: {},
	RunTypeCustom: {},
}

// ParseRunType validates and normalizes a run_type string.
func ParseRunType(s string) (RunType, error) {
	rt := RunType(s)
	if _, ok := validRunTypes[rt]; !ok {
		return "", ErrInvalidRunType
	}

	return rt, nil
}

// DeriveStatus applies the completion-by-pattern rule: the first matching
// rule wins.
//
//  1. error set => failed
//  2. end_time present AND outputs present => completed
//  3. end_time present AND outputs absent => running (awaiting outputs)
//  4. otherwise unchanged
func DeriveStatus(hasError, hasEndTime, hasOutputs bool, current Status) Status {
	switch {
	case hasError:
		return StatusFailed
	case hasEndTime && hasOutputs:
		return StatusCompleted
	case hasEndTime && !hasOutputs:
		return StatusRunning
	default:
		return current
	}
}

// IsTerminal reports whether s is a terminal status (completed or failed).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
