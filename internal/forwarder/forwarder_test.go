package forwarder

import (
	"context"
	"log/slog"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsight/tracecollector/internal/runs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReader struct {
	mu    sync.Mutex
	store map[uuid.UUID]*runs.Run
}

func newFakeReader() *fakeReader {
	return &fakeReader{store: make(map[uuid.UUID]*runs.Run)}
}

func (f *fakeReader) put(r *runs.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[r.ID] = r
}

func (f *fakeReader) Get(_ context.Context, id uuid.UUID) (*runs.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.store[id]
	if !ok {
		return nil, runs.ErrNotFound
	}

	return r, nil
}

func (f *fakeReader) ListRoots(context.Context, runs.RootFilters, runs.Pagination) ([]*runs.Run, error) {
	return nil, nil
}

func (f *fakeReader) CountRoots(context.Context, runs.RootFilters) (int, error) {
	return 0, nil
}

func (f *fakeReader) Hierarchy(_ context.Context, rootID uuid.UUID) ([]*runs.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	root, ok := f.store[rootID]
	if !ok {
		return nil, runs.ErrNotFound
	}

	out := []*runs.Run{root}

	for _, r := range f.store {
		if r.ParentRunID != nil && *r.ParentRunID == rootID {
			out = append(out, r)
		}
	}

	return out, nil
}

func (f *fakeReader) Stats(context.Context) (*runs.Stats, error) {
	return &runs.Stats{}, nil
}

type fakeExporter struct {
	mu      sync.Mutex
	trees   []exportedTree
	closed  bool
}

type exportedTree struct {
	root     *runs.Run
	numNodes int
}

func (f *fakeExporter) ExportTree(_ context.Context, root *runs.Run, byID map[uuid.UUID]*runs.Run, _ map[uuid.UUID][]*runs.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.trees = append(f.trees, exportedTree{root: root, numNodes: len(byID)})

	return nil
}

func (f *fakeExporter) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeExporter) snapshot() []exportedTree {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]exportedTree, len(f.trees))
	copy(out, f.trees)

	return out
}

func newRun(id uuid.UUID, parent *uuid.UUID) *runs.Run {
	return &runs.Run{
		ID:          id,
		Name:        "span-" + id.String()[:8],
		RunType:     runs.RunTypeChain,
		StartTime:   time.Now().UTC(),
		ParentRunID: parent,
		Status:      runs.StatusRunning,
	}
}

func TestInferGroupKeyPrefersRootRunIDExtra(t *testing.T) {
	g := NewGrouper(newFakeReader(), &fakeExporter{}, DefaultConfig(), testLogger())

	root := uuid.New()
	run := newRun(uuid.New(), nil)
	run.Extra = map[string]any{"root_run_id": root.String()}

	assert.Equal(t, root.String(), g.inferGroupKey(run))
}

func TestInferGroupKeyFallsBackToOwnID(t *testing.T) {
	g := NewGrouper(newFakeReader(), &fakeExporter{}, DefaultConfig(), testLogger())

	run := newRun(uuid.New(), nil)

	assert.Equal(t, run.ID.String(), g.inferGroupKey(run))
}

func TestInferGroupKeyUsesParentBucketWhenFound(t *testing.T) {
	g := NewGrouper(newFakeReader(), &fakeExporter{}, DefaultConfig(), testLogger())

	parentID := uuid.New()
	parentRun := newRun(parentID, nil)
	g.addToBucket("trace-key", parentRun)

	child := newRun(uuid.New(), &parentID)

	assert.Equal(t, "trace-key", g.inferGroupKey(child))
}

func TestOfferMergesOwnIDBucketIntoRicherKey(t *testing.T) {
	exp := &fakeExporter{}
	g := NewGrouper(newFakeReader(), exp, Config{Debounce: 0, RunTimeout: time.Second, MaxSyntheticSpans: 10, AttrMaxStr: 500, AttrMaxKVStr: 200, AttrMaxListItems: 5}, testLogger())

	parentID := uuid.New()
	child := newRun(uuid.New(), &parentID)
	g.Offer(child)

	g.mu.Lock()
	_, hasChildOwnBucket := g.buckets[parentID.String()]
	g.mu.Unlock()
	require.True(t, hasChildOwnBucket)

	parent := newRun(parentID, nil)
	parent.Extra = map[string]any{"root_run_id": "trace-xyz"}
	g.Offer(parent)

	g.mu.Lock()
	_, stillOrphan := g.buckets[parentID.String()]
	merged, ok := g.buckets["trace-xyz"]
	g.mu.Unlock()

	assert.False(t, stillOrphan)
	require.True(t, ok)
	assert.True(t, merged.holds(child.ID))
	assert.True(t, merged.holds(parentID))
}

func TestBucketDebounceResetsOnArrival(t *testing.T) {
	b := newBucket("k")
	fired := make(chan struct{}, 2)

	b.resetTimer(30*time.Millisecond, func() { fired <- struct{}{} })
	time.Sleep(15 * time.Millisecond)
	b.resetTimer(30*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
		t.Fatal("timer fired before the reset debounce window elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timer never fired after debounce window")
	}
}

func TestGrouperFlushesAfterDebounceAndExportsTree(t *testing.T) {
	reader := newFakeReader()
	exp := &fakeExporter{}
	cfg := Config{Debounce: 20 * time.Millisecond, RunTimeout: time.Second, MaxSyntheticSpans: 10, AttrMaxStr: 500, AttrMaxKVStr: 200, AttrMaxListItems: 5}
	g := NewGrouper(reader, exp, cfg, testLogger())

	root := newRun(uuid.New(), nil)
	root.Extra = map[string]any{"root_run_id": root.ID.String()}
	child := newRun(uuid.New(), &root.ID)
	child.Extra = map[string]any{"root_run_id": root.ID.String()}

	g.Offer(root)
	g.Offer(child)

	require.Eventually(t, func() bool {
		return len(exp.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	trees := exp.snapshot()
	assert.Equal(t, root.ID, trees[0].root.ID)
	assert.Equal(t, 2, trees[0].numNodes)
}

func TestCandidateRootsWalksBufferedAncestors(t *testing.T) {
	reader := newFakeReader()

	grandparent := newRun(uuid.New(), nil)
	parentID := uuid.New()
	parent := newRun(parentID, &grandparent.ID)
	child := newRun(uuid.New(), &parentID)

	reader.put(grandparent)

	buffered := map[uuid.UUID]*runs.Run{
		parent.ID: parent,
		child.ID:  child,
	}

	roots := candidateRoots(context.Background(), "not-a-uuid", reader, buffered)

	require.Len(t, roots, 1)
	assert.Equal(t, grandparent.ID, roots[0])
}

func TestCandidateRootsRejectsGroupKeyThatIsNotAnyRunID(t *testing.T) {
	reader := newFakeReader()

	// A 32-hex-char OTLP trace id parses cleanly as a UUID (uuid.Parse
	// accepts the hex-only form) but is never itself a run id: run ids are
	// uuid5(traceHex:spanHex), not the trace id's raw bytes. Using it as a
	// group key must fall through to the ancestor walk rather than being
	// trusted as a root id on format alone.
	traceIDHex := "4bf92f3577b34da6a3ce929d0e0e4736"
	key, err := uuid.Parse(traceIDHex)
	require.NoError(t, err)

	root := newRun(uuid.New(), nil)
	child := newRun(uuid.New(), &root.ID)

	reader.put(root)

	buffered := map[uuid.UUID]*runs.Run{
		child.ID: child,
	}

	roots := candidateRoots(context.Background(), key.String(), reader, buffered)

	require.Len(t, roots, 1)
	assert.Equal(t, root.ID, roots[0])
	assert.NotEqual(t, key, roots[0])
}

func TestGrouperCloseDrainsRemainingBucketsOnce(t *testing.T) {
	reader := newFakeReader()
	exp := &fakeExporter{}
	cfg := Config{Debounce: time.Hour, RunTimeout: time.Second, MaxSyntheticSpans: 10, AttrMaxStr: 500, AttrMaxKVStr: 200, AttrMaxListItems: 5}
	g := NewGrouper(reader, exp, cfg, testLogger())

	root := newRun(uuid.New(), nil)
	root.Extra = map[string]any{"root_run_id": root.ID.String()}
	g.Offer(root)

	require.NoError(t, g.Close(context.Background()))

	trees := exp.snapshot()
	require.Len(t, trees, 1)
	assert.Equal(t, root.ID, trees[0].root.ID)
	assert.True(t, exp.closed)

	// Offer after Close is a no-op; Close itself is idempotent via sync.Once.
	require.NoError(t, g.Close(context.Background()))
	assert.Len(t, exp.snapshot(), 1)
}

func TestIsStepLikeDetectsKnownIndicatorKeys(t *testing.T) {
	assert.True(t, isStepLike(map[string]any{"formatted_prompt": "x"}))
	assert.False(t, isStepLike(map[string]any{"result": "x"}))
	assert.True(t, isStepLike(map[string]any{"a": 1, "b": 2, "first_step": 3}))
}

func TestBuildAttributesFlattensAndTruncates(t *testing.T) {
	cfg := DefaultConfig()
	run := newRun(uuid.New(), nil)
	run.Inputs = map[string]any{"prompt": "hello", "long": strings.Repeat("x", 300)}
	run.Tags = []string{"a", "b"}

	attrs := buildAttributes(cfg, run, "trace-1")

	assert.Equal(t, "hello", attrs["inputs.prompt"])
	assert.Equal(t, strings.Repeat("x", cfg.AttrMaxKVStr), attrs["inputs.long"])
	assert.Equal(t, "a,b", attrs["run.tags"])
	assert.Equal(t, "trace-1", attrs["trace.id"])
}
