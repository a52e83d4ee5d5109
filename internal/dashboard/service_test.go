package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsight/tracecollector/internal/runs"
	"github.com/agentsight/tracecollector/internal/storage"
)

type stubReader struct {
	roots     []*runs.Run
	total     int
	hierarchy map[uuid.UUID][]*runs.Run
	stats     *runs.Stats
}

func (s *stubReader) Get(context.Context, uuid.UUID) (*runs.Run, error) { return nil, runs.ErrNotFound }

func (s *stubReader) ListRoots(context.Context, runs.RootFilters, runs.Pagination) ([]*runs.Run, error) {
	return s.roots, nil
}

func (s *stubReader) CountRoots(context.Context, runs.RootFilters) (int, error) {
	return s.total, nil
}

func (s *stubReader) Hierarchy(_ context.Context, rootID uuid.UUID) ([]*runs.Run, error) {
	flat, ok := s.hierarchy[rootID]
	if !ok {
		return nil, runs.ErrNotFound
	}

	return flat, nil
}

func (s *stubReader) Stats(context.Context) (*runs.Stats, error) {
	return s.stats, nil
}

type stubLister struct{ projects []storage.ProjectInfo }

func (s *stubLister) TopProjects(context.Context, int) ([]storage.ProjectInfo, error) {
	return s.projects, nil
}

type stubSweeper struct{ swept int }

func (s *stubSweeper) SweepStale(context.Context, int) (int, error) {
	return s.swept, nil
}

type stubEvents struct {
	published []string
}

func (s *stubEvents) Publish(eventType string, _ uuid.UUID, _ any) {
	s.published = append(s.published, eventType)
}

func TestRootsRejectsOutOfRangeLimit(t *testing.T) {
	svc := NewService(&stubReader{}, nil, nil, nil, 30)

	_, err := svc.Roots(context.Background(), runs.RootFilters{}, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = svc.Roots(context.Background(), runs.RootFilters{}, 500, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestRootsComputesHasMore(t *testing.T) {
	reader := &stubReader{roots: []*runs.Run{{ID: uuid.New()}, {ID: uuid.New()}}, total: 5}
	svc := NewService(reader, nil, nil, nil, 30)

	result, err := svc.Roots(context.Background(), runs.RootFilters{}, 2, 0)
	require.NoError(t, err)
	assert.True(t, result.HasMore)
	assert.Equal(t, 5, result.Total)
}

func TestHierarchyBuildsNestedTreeOrderedByStartTime(t *testing.T) {
	root := &runs.Run{ID: uuid.New(), StartTime: time.Unix(0, 0)}
	childLate := &runs.Run{ID: uuid.New(), ParentRunID: &root.ID, StartTime: time.Unix(100, 0)}
	childEarly := &runs.Run{ID: uuid.New(), ParentRunID: &root.ID, StartTime: time.Unix(10, 0)}

	reader := &stubReader{hierarchy: map[uuid.UUID][]*runs.Run{
		root.ID: {root, childLate, childEarly},
	}}
	svc := NewService(reader, nil, nil, nil, 30)

	result, err := svc.Hierarchy(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, result.Root.Children, 2)
	assert.Equal(t, childEarly.ID, result.Root.Children[0].Run.ID)
	assert.Equal(t, childLate.ID, result.Root.Children[1].Run.ID)
	assert.Equal(t, 3, result.TotalRuns)
	assert.Equal(t, 2, result.MaxDepth)
}

func TestSummaryTriggersSweepAndPublishesStatsUpdated(t *testing.T) {
	reader := &stubReader{stats: &runs.Stats{TotalRuns: 3}}
	sweeper := &stubSweeper{swept: 2}
	events := &stubEvents{}
	svc := NewService(reader, &stubLister{}, sweeper, events, 30)

	result, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SweptStaleRun)
	assert.Contains(t, events.published, "stats.updated")
}

func TestCleanupRejectsOutOfRangeTimeout(t *testing.T) {
	svc := NewService(&stubReader{}, nil, &stubSweeper{}, nil, 30)

	_, err := svc.Cleanup(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidTimeoutMinutes)

	_, err = svc.Cleanup(context.Background(), 5000)
	assert.ErrorIs(t, err, ErrInvalidTimeoutMinutes)
}
