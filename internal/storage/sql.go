package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agentsight/tracecollector/internal/runs"
)

const runColumns = `id, name, run_type, start_time, end_time, parent_run_id, status,
	inputs, outputs, extra, serialized, events, tags, error, project_name,
	reference_example_id, created_at, updated_at`

const (
	selectRunSQL          = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	selectRunForUpdateSQL = selectRunSQL + ` FOR UPDATE`
	selectRootsBaseSQL    = `SELECT ` + runColumns + ` FROM runs WHERE parent_run_id IS NULL`
	selectChildrenSQL     = `SELECT ` + runColumns + ` FROM runs WHERE parent_run_id = ANY($1)`

	insertRunSQL = `INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	updateRunSQL = `UPDATE runs SET
		name = $1, run_type = $2, start_time = $3, end_time = $4, parent_run_id = $5,
		status = $6, inputs = $7, outputs = $8, extra = $9, serialized = $10,
		events = $11, tags = $12, error = $13, project_name = $14,
		reference_example_id = $15, updated_at = $16
		WHERE id = $17`

	markStaleSQL = `UPDATE runs SET status = 'failed', error = $2, end_time = $1, updated_at = $1
		WHERE status = 'running' AND start_time < ($1::timestamptz - ($3 * INTERVAL '1 minute'))`

	countAllSQL       = `SELECT COUNT(*) FROM runs`
	countRootsAllSQL  = `SELECT COUNT(*) FROM runs WHERE parent_run_id IS NULL`
	countRecent24hSQL = `SELECT COUNT(*) FROM runs WHERE start_time >= NOW() - INTERVAL '24 hours'`

	statusDistributionSQL  = `SELECT status, COUNT(*) FROM runs GROUP BY status`
	runTypeDistributionSQL = `SELECT run_type, COUNT(*) FROM runs GROUP BY run_type`
	projectDistributionSQL = `SELECT COALESCE(project_name, 'unknown'), COUNT(*) FROM runs
		GROUP BY COALESCE(project_name, 'unknown')`

	topProjectsSQL = `SELECT project_name, COUNT(*) AS total_runs,
		COUNT(*) FILTER (WHERE parent_run_id IS NULL) AS total_traces,
		MAX(start_time) AS last_activity
		FROM runs
		WHERE project_name IS NOT NULL AND start_time >= NOW() - INTERVAL '7 days'
		GROUP BY project_name
		ORDER BY last_activity DESC
		LIMIT $1`
)

// rowScanner is implemented by both *sql.Row and *sql.Rows, letting scanRun
// serve single-row and multi-row callers alike.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun reads one runs row into the domain type, translating nullable
// columns and JSONB payloads.
func scanRun(row rowScanner) (*runs.Run, error) {
	var (
		run                runs.Run
		runType            string
		status             string
		parentID           uuid.NullUUID
		endTime            sql.NullTime
		errMsg             sql.NullString
		projectName        sql.NullString
		referenceExampleID sql.NullString
		inputsRaw          []byte
		outputsRaw         []byte
		extraRaw           []byte
		serializedRaw      []byte
		eventsRaw          []byte
		tagsRaw            []byte
	)

	err := row.Scan(
		&run.ID, &run.Name, &runType, &run.StartTime, &endTime, &parentID, &status,
		&inputsRaw, &outputsRaw, &extraRaw, &serializedRaw, &eventsRaw, &tagsRaw,
		&errMsg, &projectName, &referenceExampleID, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.RunType = runs.RunType(runType)
	run.Status = runs.Status(status)

	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}

	if parentID.Valid {
		id := parentID.UUID
		run.ParentRunID = &id
	}

	if errMsg.Valid {
		run.Error = &errMsg.String
	}

	if projectName.Valid {
		run.ProjectName = &projectName.String
	}

	if referenceExampleID.Valid {
		run.ReferenceExampleID = &referenceExampleID.String
	}

	if err := unmarshalIfPresent(inputsRaw, &run.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}

	if err := unmarshalIfPresent(outputsRaw, &run.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}

	if err := unmarshalIfPresent(extraRaw, &run.Extra); err != nil {
		return nil, fmt.Errorf("unmarshal extra: %w", err)
	}

	if err := unmarshalIfPresent(serializedRaw, &run.Serialized); err != nil {
		return nil, fmt.Errorf("unmarshal serialized: %w", err)
	}

	if err := unmarshalIfPresent(eventsRaw, &run.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}

	if err := unmarshalIfPresent(tagsRaw, &run.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}

	return &run, nil
}

func unmarshalIfPresent(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}

	return json.Unmarshal(raw, dest)
}

// pqUUIDArray adapts a []uuid.UUID into a driver.Valuer the lib/pq driver
// can pass through for ANY($1) queries.
func pqUUIDArray(ids []uuid.UUID) any {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	return pq.Array(strs)
}
