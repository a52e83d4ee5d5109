package runs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run lookup by id finds nothing.
var ErrNotFound = errors.New("run not found")

// ErrAlreadyExists is returned by Insert when a run with the given id
// already exists.
var ErrAlreadyExists = errors.New("run already exists")

// RootFilters narrows ListRoots/CountRoots, matching §4.7's filter set.
type RootFilters struct {
	ProjectName   *string
	Status        *Status
	Search        *string
	StartTimeGTE  *time.Time
	StartTimeLTE  *time.Time
}

// Pagination bounds a ListRoots call. Limit must be in [1, 200].
type Pagination struct {
	Limit  int
	Offset int
}

// Stats is the aggregate returned by the Query Surface summary endpoint.
type Stats struct {
	TotalRuns            int
	TotalTraces          int
	RecentRuns24h        int
	StatusDistribution   map[Status]int
	RunTypeDistribution  map[RunType]int
	ProjectDistribution  map[string]int
}

// Writer is the subset of store operations the Reconciliation Engine needs.
// Segregated from Reader following the same Interface Segregation rationale
// the rest of this codebase applies to read-only dashboard queries: write
// paths and read paths depend on disjoint capabilities.
type Writer interface {
	// Get returns the run for id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)

	// Insert persists a brand-new run. Returns ErrAlreadyExists if id is taken.
	Insert(ctx context.Context, run *Run) error

	// Update applies patch to the run for id inside a single transaction and
	// returns the resulting run. Returns ErrNotFound if absent.
	Update(ctx context.Context, id uuid.UUID, patch *Patch) (*Run, error)

	// MarkStaleAsFailed transitions every running run whose StartTime is
	// older than T minutes to failed, returning the count affected.
	MarkStaleAsFailed(ctx context.Context, timeoutMinutes int) (int, error)
}

// Reader is the subset of store operations the Query Surface and Forward
// Grouper need.
type Reader interface {
	Get(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRoots returns root runs (no parent) matching filters, paginated,
	// ordered by start_time descending.
	ListRoots(ctx context.Context, filters RootFilters, page Pagination) ([]*Run, error)

	// CountRoots returns the total root-run count matching filters, ignoring
	// pagination.
	CountRoots(ctx context.Context, filters RootFilters) (int, error)

	// Hierarchy returns every descendant of rootID inclusive, in arbitrary
	// order. Cycle-safe.
	Hierarchy(ctx context.Context, rootID uuid.UUID) ([]*Run, error)

	// Stats computes the dashboard summary aggregate.
	Stats(ctx context.Context) (*Stats, error)
}

// Store is implemented by the concrete storage backend (internal/storage)
// and is the union of Writer and Reader, matching the way a single
// PostgreSQL-backed type plays both roles.
type Store interface {
	Writer
	Reader
}
