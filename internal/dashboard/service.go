// Package dashboard implements the Query Surface (C8, §4.8): root listing,
// hierarchy, summary and the stale-run cleanup trigger consumed by the
// dashboard UI. It reads the store directly and never writes to it except
// via the stale-run sweep side effect.
package dashboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
	"github.com/agentsight/tracecollector/internal/storage"
)

// MaxListLimit and MinListLimit bound the root-listing pagination (§4.8).
const (
	MinListLimit = 1
	MaxListLimit = 200

	MinCleanupTimeoutMinutes = 1
	MaxCleanupTimeoutMinutes = 1440
)

// Sentinel validation errors.
var (
	ErrInvalidLimit          = errors.New("limit must be between 1 and 200")
	ErrInvalidOffset         = errors.New("offset must be non-negative")
	ErrInvalidTimeoutMinutes = errors.New("timeout_minutes must be between 1 and 1440")
)

// ProjectLister is the subset of the store the Query Surface needs beyond
// runs.Reader: the top-10-by-activity project aggregate backing the summary
// endpoint's ProjectInfo list.
type ProjectLister interface {
	TopProjects(ctx context.Context, limit int) ([]storage.ProjectInfo, error)
}

// Sweeper is the subset of the Reconciliation Engine the summary endpoint
// triggers as a side effect (§4.4.6).
type Sweeper interface {
	SweepStale(ctx context.Context, timeoutMinutes int) (int, error)
}

// EventPublisher notifies live-stream subscribers of a refreshed summary
// aggregate.
type EventPublisher interface {
	Publish(eventType string, runID uuid.UUID, data any)
}

const topProjectsLimit = 10

// Service is the Query Surface (C8).
type Service struct {
	store   runs.Reader
	lister  ProjectLister
	sweeper Sweeper
	events  EventPublisher

	staleTimeoutMinutes int
}

// NewService constructs a Query Surface over store, using lister for the
// top-projects aggregate and sweeper for the summary endpoint's stale-run
// side effect. events may be nil (stats.updated is then not emitted).
func NewService(store runs.Reader, lister ProjectLister, sweeper Sweeper, events EventPublisher, staleTimeoutMinutes int) *Service {
	if staleTimeoutMinutes <= 0 {
		staleTimeoutMinutes = 30
	}

	return &Service{store: store, lister: lister, sweeper: sweeper, events: events, staleTimeoutMinutes: staleTimeoutMinutes}
}

// RootsResult is the response shape for the root-listing endpoint.
type RootsResult struct {
	Runs    []*runs.Run
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// Roots lists root runs matching filters, paginated (§4.8).
func (s *Service) Roots(ctx context.Context, filters runs.RootFilters, limit, offset int) (*RootsResult, error) {
	if limit < MinListLimit || limit > MaxListLimit {
		return nil, ErrInvalidLimit
	}

	if offset < 0 {
		return nil, ErrInvalidOffset
	}

	page := runs.Pagination{Limit: limit, Offset: offset}

	matched, err := s.store.ListRoots(ctx, filters, page)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}

	total, err := s.store.CountRoots(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("count roots: %w", err)
	}

	return &RootsResult{
		Runs:    matched,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(matched) < total,
	}, nil
}

// HierarchyNode is one node of the nested tree the hierarchy endpoint
// returns, with derived DurationMillis and ordered children (§4.8).
type HierarchyNode struct {
	Run            *runs.Run
	DurationMillis *float64
	Children       []*HierarchyNode
}

// HierarchyResult wraps the root node with tree-wide aggregates.
type HierarchyResult struct {
	Root      *HierarchyNode
	MaxDepth  int
	TotalRuns int
}

// Hierarchy fetches and assembles the full nested tree rooted at rootID.
func (s *Service) Hierarchy(ctx context.Context, rootID uuid.UUID) (*HierarchyResult, error) {
	flat, err := s.store.Hierarchy(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("fetch hierarchy: %w", err)
	}

	byID := make(map[uuid.UUID]*runs.Run, len(flat))
	for _, r := range flat {
		byID[r.ID] = r
	}

	root, ok := byID[rootID]
	if !ok {
		return nil, runs.ErrNotFound
	}

	children := make(map[uuid.UUID][]*runs.Run)

	for _, r := range flat {
		if r.ParentRunID != nil {
			children[*r.ParentRunID] = append(children[*r.ParentRunID], r)
		}
	}

	for _, kids := range children {
		orderByStartTimeAsc(kids)
	}

	maxDepth := 0
	rootNode := buildNode(root, children, 1, &maxDepth)

	return &HierarchyResult{Root: rootNode, MaxDepth: maxDepth, TotalRuns: len(flat)}, nil
}

func buildNode(run *runs.Run, children map[uuid.UUID][]*runs.Run, depth int, maxDepth *int) *HierarchyNode {
	if depth > *maxDepth {
		*maxDepth = depth
	}

	node := &HierarchyNode{Run: run}

	if ms, ok := run.DurationMillis(); ok {
		node.DurationMillis = &ms
	}

	for _, child := range children[run.ID] {
		node.Children = append(node.Children, buildNode(child, children, depth+1, maxDepth))
	}

	return node
}

func orderByStartTimeAsc(rs []*runs.Run) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].StartTime.Before(rs[j-1].StartTime); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// SummaryResult is the response shape for the summary endpoint.
type SummaryResult struct {
	Stats         *runs.Stats
	TopProjects   []storage.ProjectInfo
	SweptStaleRun int
}

// Summary first triggers a stale-run sweep as a side effect (§4.8, §4.4.6),
// then computes the dashboard summary aggregate and publishes
// stats.updated to live-stream subscribers.
func (s *Service) Summary(ctx context.Context) (*SummaryResult, error) {
	swept := 0

	if s.sweeper != nil {
		n, err := s.sweeper.SweepStale(ctx, s.staleTimeoutMinutes)
		if err != nil {
			return nil, fmt.Errorf("sweep stale runs: %w", err)
		}

		swept = n
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute stats: %w", err)
	}

	var top []storage.ProjectInfo

	if s.lister != nil {
		top, err = s.lister.TopProjects(ctx, topProjectsLimit)
		if err != nil {
			return nil, fmt.Errorf("top projects: %w", err)
		}
	}

	result := &SummaryResult{Stats: stats, TopProjects: top, SweptStaleRun: swept}

	if s.events != nil {
		s.events.Publish("stats.updated", uuid.Nil, result)
	}

	return result, nil
}

// Cleanup runs an explicit stale-run sweep with the given timeout, used by
// the cleanup endpoint (§4.4.6, §6.3).
func (s *Service) Cleanup(ctx context.Context, timeoutMinutes int) (int, error) {
	if timeoutMinutes < MinCleanupTimeoutMinutes || timeoutMinutes > MaxCleanupTimeoutMinutes {
		return 0, ErrInvalidTimeoutMinutes
	}

	if s.sweeper == nil {
		return 0, nil
	}

	n, err := s.sweeper.SweepStale(ctx, timeoutMinutes)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale runs: %w", err)
	}

	return n, nil
}
