package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentsight/tracecollector/internal/runs"
)

// RunStore is the PostgreSQL-backed implementation of runs.Store. It owns
// the single `runs` table described in the schema migration and provides
// insert, transactional update, hierarchy fetch and stats aggregation.
//
// Compile-time interface assertion, matching the pattern the rest of this
// stack uses to keep domain interfaces decoupled from this package.
var _ runs.Store = (*RunStore)(nil)

// RunStore is safe for concurrent use; per-id serialization is the caller's
// (internal/reconcile) responsibility via a keyed lock, not this store's.
type RunStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRunStore constructs a RunStore over an already-open Connection.
func NewRunStore(conn *Connection, logger *slog.Logger) *RunStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunStore{conn: conn, logger: logger}
}

// HealthCheck delegates to the underlying connection.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Get returns the run for id, or runs.ErrNotFound.
func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*runs.Run, error) {
	row := s.conn.QueryRowContext(ctx, selectRunSQL, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runs.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	return run, nil
}

// Insert persists a brand-new run, failing with runs.ErrAlreadyExists if the
// id is already taken.
func (s *RunStore) Insert(ctx context.Context, run *runs.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	inputs, outputs, extra, serialized, events, tags, err := marshalRunColumns(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	_, err = s.conn.ExecContext(ctx, insertRunSQL,
		run.ID, run.Name, string(run.RunType), run.StartTime, run.EndTime,
		run.ParentRunID, string(run.Status), inputs, outputs, extra, serialized,
		events, tags, run.Error, run.ProjectName, run.ReferenceExampleID,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return runs.ErrAlreadyExists
		}

		if isConnectionError(err) {
			s.logger.Error("database connection lost during insert", "run_id", run.ID, "error", err)
		}

		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	return nil
}

// Update applies patch to the run for id inside a single transaction and
// returns the resulting row.
func (s *RunStore) Update(ctx context.Context, id uuid.UUID, patch *runs.Patch) (*runs.Run, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectRunForUpdateSQL, id)

	existing, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runs.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("lock run %s: %w", id, err)
	}

	patch.Apply(existing)
	existing.UpdatedAt = time.Now().UTC()

	inputs, outputs, extra, serialized, events, tags, err := marshalRunColumns(existing)
	if err != nil {
		return nil, fmt.Errorf("marshal run %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, updateRunSQL,
		existing.Name, string(existing.RunType), existing.StartTime, existing.EndTime,
		existing.ParentRunID, string(existing.Status), inputs, outputs, extra, serialized,
		events, tags, existing.Error, existing.ProjectName, existing.ReferenceExampleID,
		existing.UpdatedAt, id,
	)
	if err != nil {
		if isConnectionError(err) {
			s.logger.Error("database connection lost during update", "run_id", id, "error", err)
		}

		return nil, fmt.Errorf("update run %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update for run %s: %w", id, err)
	}

	return existing, nil
}

// MarkStaleAsFailed transitions every running run older than timeoutMinutes
// to failed, matching §4.4.6's idempotent sweep.
func (s *RunStore) MarkStaleAsFailed(ctx context.Context, timeoutMinutes int) (int, error) {
	cutoff := time.Now().UTC()
	reason := fmt.Sprintf("timed out after %d minutes", timeoutMinutes)

	res, err := s.conn.ExecContext(ctx, markStaleSQL,
		cutoff, reason, timeoutMinutes,
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale runs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read affected rows: %w", err)
	}

	return int(affected), nil
}

// ListRoots returns root runs matching filters, ordered by start_time desc.
func (s *RunStore) ListRoots(ctx context.Context, filters runs.RootFilters, page runs.Pagination) ([]*runs.Run, error) {
	clause, args := buildRootFilterClause(filters)

	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(
		`%s %s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		selectRootsBaseSQL, clause, len(args)-1, len(args),
	)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	defer rows.Close()

	var result []*runs.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan root row: %w", err)
		}

		result = append(result, run)
	}

	return result, rows.Err()
}

// CountRoots returns the total root-run count matching filters.
func (s *RunStore) CountRoots(ctx context.Context, filters runs.RootFilters) (int, error) {
	clause, args := buildRootFilterClause(filters)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM runs WHERE parent_run_id IS NULL %s`, clause)

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count roots: %w", err)
	}

	return count, nil
}

// Hierarchy returns every descendant of rootID inclusive via iterative BFS,
// cycle-safe via a visited set, per the design notes' guidance against
// pathological recursion depth.
func (s *RunStore) Hierarchy(ctx context.Context, rootID uuid.UUID) ([]*runs.Run, error) {
	root, err := s.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}

	visited := map[uuid.UUID]struct{}{rootID: {}}
	result := []*runs.Run{root}
	frontier := []uuid.UUID{rootID}

	for len(frontier) > 0 {
		rows, err := s.conn.QueryContext(ctx, selectChildrenSQL, pqUUIDArray(frontier))
		if err != nil {
			return nil, fmt.Errorf("fetch children: %w", err)
		}

		var next []uuid.UUID

		for rows.Next() {
			child, err := scanRun(rows)
			if err != nil {
				rows.Close()

				return nil, fmt.Errorf("scan child row: %w", err)
			}

			if _, seen := visited[child.ID]; seen {
				continue
			}

			visited[child.ID] = struct{}{}
			result = append(result, child)
			next = append(next, child.ID)
		}

		if err := rows.Err(); err != nil {
			rows.Close()

			return nil, err
		}

		rows.Close()

		frontier = next
	}

	return result, nil
}

// Stats computes the dashboard summary aggregate.
func (s *RunStore) Stats(ctx context.Context) (*runs.Stats, error) {
	stats := &runs.Stats{
		StatusDistribution:  map[runs.Status]int{},
		RunTypeDistribution: map[runs.RunType]int{},
		ProjectDistribution: map[string]int{},
	}

	if err := s.conn.QueryRowContext(ctx, countAllSQL).Scan(&stats.TotalRuns); err != nil {
		return nil, fmt.Errorf("count all runs: %w", err)
	}

	if err := s.conn.QueryRowContext(ctx, countRootsAllSQL).Scan(&stats.TotalTraces); err != nil {
		return nil, fmt.Errorf("count traces: %w", err)
	}

	if err := s.conn.QueryRowContext(ctx, countRecent24hSQL).Scan(&stats.RecentRuns24h); err != nil {
		return nil, fmt.Errorf("count recent runs: %w", err)
	}

	if err := fillDistribution(ctx, s.conn, statusDistributionSQL, func(k string, v int) {
		stats.StatusDistribution[runs.Status(k)] = v
	}); err != nil {
		return nil, err
	}

	if err := fillDistribution(ctx, s.conn, runTypeDistributionSQL, func(k string, v int) {
		stats.RunTypeDistribution[runs.RunType(k)] = v
	}); err != nil {
		return nil, err
	}

	if err := fillDistribution(ctx, s.conn, projectDistributionSQL, func(k string, v int) {
		stats.ProjectDistribution[k] = v
	}); err != nil {
		return nil, err
	}

	return stats, nil
}

// TopProjects returns the top-N projects by most recent activity in the
// last 7 days, backing the dashboard summary's ProjectInfo list (§4.8).
func (s *RunStore) TopProjects(ctx context.Context, limit int) ([]ProjectInfo, error) {
	rows, err := s.conn.QueryContext(ctx, topProjectsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("top projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectInfo

	for rows.Next() {
		var p ProjectInfo
		if err := rows.Scan(&p.Name, &p.TotalRuns, &p.TotalTraces, &p.LastActivity); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// ProjectInfo summarizes recent activity for one project, per §4.8.
type ProjectInfo struct {
	Name         string
	TotalRuns    int
	TotalTraces  int
	LastActivity time.Time
}

func fillDistribution(ctx context.Context, conn *Connection, query string, set func(string, int)) error {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("distribution query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string

		var count int

		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan distribution row: %w", err)
		}

		set(key, count)
	}

	return rows.Err()
}

func buildRootFilterClause(f runs.RootFilters) (string, []any) {
	var clauses []string

	var args []any

	argN := 0

	next := func() int {
		argN++

		return argN
	}

	if f.ProjectName != nil {
		clauses = append(clauses, fmt.Sprintf("AND project_name = $%d", next()))
		args = append(args, *f.ProjectName)
	}

	if f.Status != nil {
		clauses = append(clauses, fmt.Sprintf("AND status = $%d", next()))
		args = append(args, string(*f.Status))
	}

	if f.Search != nil && *f.Search != "" {
		clauses = append(clauses, fmt.Sprintf("AND (name ILIKE $%d OR project_name ILIKE $%d)", next(), argN))
		args = append(args, "%"+*f.Search+"%")
	}

	if f.StartTimeGTE != nil {
		clauses = append(clauses, fmt.Sprintf("AND start_time >= $%d", next()))
		args = append(args, *f.StartTimeGTE)
	}

	if f.StartTimeLTE != nil {
		clauses = append(clauses, fmt.Sprintf("AND start_time <= $%d", next()))
		args = append(args, *f.StartTimeLTE)
	}

	return strings.Join(clauses, " "), args
}

func marshalRunColumns(run *runs.Run) (inputs, outputs, extra, serialized, events, tags []byte, err error) {
	if inputs, err = json.Marshal(valueOrEmptyMap(run.Inputs)); err != nil {
		return
	}

	if run.Outputs != nil {
		if outputs, err = json.Marshal(run.Outputs); err != nil {
			return
		}
	}

	if extra, err = json.Marshal(valueOrEmptyMap(run.Extra)); err != nil {
		return
	}

	if run.Serialized != nil {
		if serialized, err = json.Marshal(run.Serialized); err != nil {
			return
		}
	}

	if events, err = json.Marshal(valueOrEmptySlice(run.Events)); err != nil {
		return
	}

	if tags, err = json.Marshal(valueOrEmptyStrings(run.Tags)); err != nil {
		return
	}

	return
}

func valueOrEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

func valueOrEmptySlice(e []runs.Event) []runs.Event {
	if e == nil {
		return []runs.Event{}
	}

	return e
}

func valueOrEmptyStrings(t []string) []string {
	if t == nil {
		return []string{}
	}

	return t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Code 23505 = unique_violation.
		return pqErr.Code == "23505"
	}

	return false
}
