// Package reconcile implements the Reconciliation Engine (§4.4), the single
// choke point every ingested run passes through before it reaches the
// store: message-sequence validation, status-transition enforcement,
// deferred-update replay and stale-run cleanup. The upsert shape is
// existing-state fetch, validate, apply inside one critical section, with
// status derived by the completion-by-pattern rule rather than an explicit
// event-type state machine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
)

// EventPublisher is the subset of the Event Bus the engine needs to notify
// subscribers of run lifecycle changes (§4.5).
type EventPublisher interface {
	Publish(eventType string, runID uuid.UUID, data any)
}

// Forwarder is the subset of the Forward Grouper the engine feeds every
// created or updated run into (§4.6).
type Forwarder interface {
	Offer(run *runs.Run)
}

// Outcome reports what Upsert did.
type Outcome string

// Recognized outcomes.
const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeDeferred Outcome = "deferred"
)

// Engine is the Reconciliation Engine. It owns no persistent state beyond
// the in-memory deferred-update queue and the per-id keyed locks; the run
// data itself always lives in the store.
type Engine struct {
	store     runs.Store
	events    EventPublisher
	forwarder Forwarder
	logger    *slog.Logger

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	deferred *deferredQueue
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine constructs a Reconciliation Engine over store, notifying events
// and forwarder of every successful create/update.
func NewEngine(store runs.Store, events EventPublisher, forwarder Forwarder, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		events:    events,
		forwarder: forwarder,
		logger:    slog.Default(),
		locks:     make(map[uuid.UUID]*sync.Mutex),
		deferred:  newDeferredQueue(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) lockFor(id uuid.UUID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}

	return mu
}

// Upsert is the single entry point both translators (§4.2, §4.3) feed
// their output through. It serializes all operations against trace.ID via
// a per-id lock (§5), so concurrent arrivals for the same run never race.
func (e *Engine) Upsert(ctx context.Context, trace runs.Trace) (*runs.Run, Outcome, error) {
	if trace.Create == nil && trace.Update == nil {
		return nil, "", errors.New("trace carries neither a create nor an update payload")
	}

	mu := e.lockFor(trace.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.store.Get(ctx, trace.ID)

	switch {
	case errors.Is(err, runs.ErrNotFound):
		return e.insertNew(ctx, trace)
	case err != nil:
		return nil, "", fmt.Errorf("look up existing run %s: %w", trace.ID, err)
	default:
		return e.applyToExisting(ctx, existing, trace)
	}
}

func (e *Engine) insertNew(ctx context.Context, trace runs.Trace) (*runs.Run, Outcome, error) {
	var run *runs.Run

	if trace.Create != nil {
		run = trace.Create
	} else {
		run = synthesizeCreate(trace.ID, trace.Update)
	}

	if err := e.store.Insert(ctx, run); err != nil {
		return nil, "", fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	e.notify(ctx, run, true)

	return run, OutcomeCreated, nil
}

// synthesizeCreate builds a brand-new run from an update payload that
// arrived before any create for its id (§4.4.1 step 2, resolved per §12):
// name and run_type get spec-literal defaults, start_time defaults to now
// when the update didn't carry one, and every other present field applies
// on top via the normal patch path.
func synthesizeCreate(id uuid.UUID, patch *runs.Patch) *runs.Run {
	run := &runs.Run{
		ID:        id,
		Name:      fmt.Sprintf("Trace %s", id),
		RunType:   runs.RunTypeChain,
		StartTime: time.Now().UTC(),
		Status:    runs.StatusRunning,
	}

	patch.Apply(run)

	hasError := run.Error != nil
	hasEndTime := run.EndTime != nil
	hasOutputs := run.Outputs != nil
	run.Status = runs.DeriveStatus(hasError, hasEndTime, hasOutputs, runs.StatusRunning)

	return run
}

func (e *Engine) applyToExisting(ctx context.Context, existing *runs.Run, trace runs.Trace) (*runs.Run, Outcome, error) {
	patch := trace.Update
	if patch == nil {
		patch = trace.Create.ToPatch()
	}

	if err := validateSequence(existing, patch); err != nil {
		e.deferred.enqueue(trace.ID, patch, err.Error())
		e.logger.Warn("deferring out-of-order update",
			slog.String("run_id", trace.ID.String()),
			slog.String("reason", err.Error()),
		)

		return existing, OutcomeDeferred, nil
	}

	status := nextStatus(existing, patch)
	patch.Status = &status

	updated, err := e.store.Update(ctx, trace.ID, patch)
	if err != nil {
		return nil, "", fmt.Errorf("update run %s: %w", trace.ID, err)
	}

	if corrected := validateStatusConsistency(updated); corrected != updated.Status {
		e.logger.Warn("correcting status-consistency mismatch",
			slog.String("run_id", updated.ID.String()),
			slog.String("persisted_status", string(updated.Status)),
			slog.String("corrected_status", string(corrected)),
		)

		fixed := corrected
		updated, err = e.store.Update(ctx, trace.ID, &runs.Patch{Status: &fixed})

		if err != nil {
			return nil, "", fmt.Errorf("correct status for run %s: %w", trace.ID, err)
		}
	}

	e.notify(ctx, updated, false)
	e.replayDeferred(ctx, trace.ID)

	return updated, OutcomeUpdated, nil
}

// replayDeferred attempts every update queued for id, in arrival order,
// after a successful apply may have unblocked them (§4.4.5). A replay that
// is itself deferred again is re-enqueued and left for the next successful
// apply to retry.
func (e *Engine) replayDeferred(ctx context.Context, id uuid.UUID) {
	pending := e.deferred.drain(id)
	if len(pending) == 0 {
		return
	}

	for _, d := range pending {
		existing, err := e.store.Get(ctx, id)
		if err != nil {
			e.logger.Error("replay lookup failed", slog.String("run_id", id.String()), slog.Any("error", err))
			e.deferred.enqueue(id, d.patch, d.reason)

			continue
		}

		if err := validateSequence(existing, d.patch); err != nil {
			e.deferred.enqueue(id, d.patch, err.Error())

			continue
		}

		status := nextStatus(existing, d.patch)
		d.patch.Status = &status

		updated, err := e.store.Update(ctx, id, d.patch)
		if err != nil {
			e.logger.Error("replay update failed", slog.String("run_id", id.String()), slog.Any("error", err))
			e.deferred.enqueue(id, d.patch, d.reason)

			continue
		}

		e.notify(ctx, updated, false)
	}
}

// notify pushes a lifecycle event to the Event Bus and offers the run to
// the Forward Grouper. Both are best-effort: failures here are logged, not
// surfaced to the caller, per §4.4.7 (store errors abort the batch element;
// downstream notification errors never do).
func (e *Engine) notify(_ context.Context, run *runs.Run, created bool) {
	eventType := "trace.updated"

	switch {
	case created:
		eventType = "trace.created"
	case run.Status == runs.StatusCompleted:
		eventType = "trace.completed"
	case run.Status == runs.StatusFailed:
		eventType = "trace.failed"
	}

	if e.events != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event publish panicked", slog.Any("panic", r))
				}
			}()

			e.events.Publish(eventType, run.ID, run)
		}()
	}

	if e.forwarder != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("forwarder offer panicked", slog.Any("panic", r))
				}
			}()

			e.forwarder.Offer(run)
		}()
	}
}

// SweepStale marks every running run older than timeoutMinutes as failed
// (§4.4.6), returning the count affected. Intended to run on a periodic
// timer and as a side effect of the dashboard summary endpoint.
func (e *Engine) SweepStale(ctx context.Context, timeoutMinutes int) (int, error) {
	return e.store.MarkStaleAsFailed(ctx, timeoutMinutes)
}

// PendingDeferredCount reports how many updates are queued for id, for
// diagnostics and tests.
func (e *Engine) PendingDeferredCount(id uuid.UUID) int {
	return e.deferred.count(id)
}
