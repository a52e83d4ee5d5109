package reconcile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsight/tracecollector/internal/reconcile"
	"github.com/agentsight/tracecollector/internal/runs"
)

// memStore is an in-memory runs.Store for exercising the engine without a
// database, mirroring the store's transactional apply semantics closely
// enough to test sequencing behavior.
type memStore struct {
	mu   sync.Mutex
	data map[uuid.UUID]*runs.Run
}

func newMemStore() *memStore {
	return &memStore{data: make(map[uuid.UUID]*runs.Run)}
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[id]
	if !ok {
		return nil, runs.ErrNotFound
	}

	copied := *run

	return &copied, nil
}

func (s *memStore) Insert(_ context.Context, run *runs.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[run.ID]; ok {
		return runs.ErrAlreadyExists
	}

	copied := *run
	s.data[run.ID] = &copied

	return nil
}

func (s *memStore) Update(_ context.Context, id uuid.UUID, patch *runs.Patch) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[id]
	if !ok {
		return nil, runs.ErrNotFound
	}

	copied := *existing
	patch.Apply(&copied)
	copied.UpdatedAt = time.Now().UTC()
	s.data[id] = &copied

	result := copied

	return &result, nil
}

func (s *memStore) MarkStaleAsFailed(_ context.Context, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for id, run := range s.data {
		if run.Status == runs.StatusRunning {
			run.Status = runs.StatusFailed
			s.data[id] = run
			count++
		}
	}

	return count, nil
}

func (s *memStore) ListRoots(context.Context, runs.RootFilters, runs.Pagination) ([]*runs.Run, error) {
	return nil, nil
}

func (s *memStore) CountRoots(context.Context, runs.RootFilters) (int, error) { return 0, nil }

func (s *memStore) Hierarchy(context.Context, uuid.UUID) ([]*runs.Run, error) { return nil, nil }

func (s *memStore) Stats(context.Context) (*runs.Stats, error) { return &runs.Stats{}, nil }

type noopEvents struct{ count int }

func (n *noopEvents) Publish(string, uuid.UUID, any) { n.count++ }

type noopForwarder struct{ count int }

func (n *noopForwarder) Offer(*runs.Run) { n.count++ }

func TestUpsertInsertsNewCreate(t *testing.T) {
	store := newMemStore()
	events := &noopEvents{}
	fwd := &noopForwarder{}
	engine := reconcile.NewEngine(store, events, fwd)

	id := uuid.New()
	run := &runs.Run{ID: id, Name: "root", RunType: runs.RunTypeChain, StartTime: time.Now().UTC(), Status: runs.StatusRunning}

	result, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Create: run})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeCreated, outcome)
	assert.Equal(t, runs.StatusRunning, result.Status)
	assert.Equal(t, 1, events.count)
	assert.Equal(t, 1, fwd.count)
}

func TestUpsertCompletesOnEndTimeAndOutputs(t *testing.T) {
	store := newMemStore()
	engine := reconcile.NewEngine(store, &noopEvents{}, &noopForwarder{})

	id := uuid.New()
	start := time.Now().UTC()
	require.NoError(t, store.Insert(context.Background(), &runs.Run{
		ID: id, Name: "root", RunType: runs.RunTypeChain, StartTime: start, Status: runs.StatusRunning,
	}))

	end := start.Add(time.Second)
	patch := &runs.Patch{EndTime: &end, HasEndTime: true, Outputs: map[string]any{"x": 1}, HasOutputs: true}

	result, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Update: patch})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeUpdated, outcome)
	assert.Equal(t, runs.StatusCompleted, result.Status)
}

func TestUpsertOutOfOrderUpdateIsDeferred(t *testing.T) {
	store := newMemStore()
	engine := reconcile.NewEngine(store, &noopEvents{}, &noopForwarder{})

	// Seed a run with a zero StartTime to simulate the "no start_time known
	// yet" precondition described in §4.4.2.
	id := uuid.New()
	store.data[id] = &runs.Run{ID: id, Name: "", RunType: "", Status: runs.StatusRunning}

	end := time.Now().UTC()
	patch := &runs.Patch{EndTime: &end, HasEndTime: true}

	result, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Update: patch})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDeferred, outcome)
	assert.Equal(t, runs.StatusRunning, result.Status)
	assert.Equal(t, 1, engine.PendingDeferredCount(id))
}

func TestUpsertReplaysDeferredUpdateAfterStartTimeArrives(t *testing.T) {
	store := newMemStore()
	engine := reconcile.NewEngine(store, &noopEvents{}, &noopForwarder{})

	id := uuid.New()
	store.data[id] = &runs.Run{ID: id, Status: runs.StatusRunning}

	end := time.Now().UTC()
	deferredPatch := &runs.Patch{EndTime: &end, HasEndTime: true}
	_, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Update: deferredPatch})
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeDeferred, outcome)

	start := time.Now().UTC()
	name := "root"
	runType := runs.RunTypeChain
	startPatch := &runs.Patch{
		Name: &name, HasName: true,
		RunType: &runType, HasRunType: true,
		StartTime: &start, HasStartTime: true,
	}

	result, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Update: startPatch})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeUpdated, outcome)
	assert.Equal(t, 0, engine.PendingDeferredCount(id))
	assert.Equal(t, "root", result.Name)

	final, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, final.EndTime)
}

func TestUpsertNeverDowngradesTerminalStatus(t *testing.T) {
	store := newMemStore()
	engine := reconcile.NewEngine(store, &noopEvents{}, &noopForwarder{})

	id := uuid.New()
	start := time.Now().UTC()
	require.NoError(t, store.Insert(context.Background(), &runs.Run{
		ID: id, Name: "root", RunType: runs.RunTypeChain, StartTime: start, Status: runs.StatusCompleted,
	}))

	tags := []string{"late-arrival"}
	patch := &runs.Patch{Tags: tags, HasTags: true}

	result, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Update: patch})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeUpdated, outcome)
	assert.Equal(t, runs.StatusCompleted, result.Status)
	assert.Equal(t, tags, result.Tags)
}

func TestUpsertSynthesizesCreateForOrphanUpdate(t *testing.T) {
	store := newMemStore()
	engine := reconcile.NewEngine(store, &noopEvents{}, &noopForwarder{})

	id := uuid.New()
	end := time.Now().UTC()
	patch := &runs.Patch{EndTime: &end, HasEndTime: true}

	result, outcome, err := engine.Upsert(context.Background(), runs.Trace{ID: id, Update: patch})
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeCreated, outcome)
	assert.Contains(t, result.Name, id.String())
	assert.Equal(t, runs.RunTypeChain, result.RunType)
}
