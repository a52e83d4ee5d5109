package ingestion_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsight/tracecollector/internal/ingestion"
	"github.com/agentsight/tracecollector/internal/runs"
)

func TestParseBatchRequestCreateCompletesByPattern(t *testing.T) {
	id := uuid.New()
	body := []byte(`{
		"post": [{
			"id": "` + id.String() + `",
			"name": "root",
			"run_type": "chain",
			"start_time": "2026-01-01T00:00:00Z",
			"end_time": "2026-01-01T00:00:01Z",
			"outputs": {"answer": "42"}
		}]
	}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Empty(t, batch.ElementErrs)
	require.Len(t, batch.Traces, 1)

	trace := batch.Traces[0]
	require.NotNil(t, trace.Create)
	assert.Equal(t, runs.StatusCompleted, trace.Create.Status)
}

func TestParseBatchRequestCreateFailsWithError(t *testing.T) {
	id := uuid.New()
	body := []byte(`{
		"post": [{
			"id": "` + id.String() + `",
			"name": "root",
			"run_type": "chain",
			"start_time": "2026-01-01T00:00:00Z",
			"end_time": "2026-01-01T00:00:01Z",
			"error": "boom"
		}]
	}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Len(t, batch.Traces, 1)
	assert.Equal(t, runs.StatusFailed, batch.Traces[0].Create.Status)
}

func TestParseBatchRequestSessionNameOverridesProjectName(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	body := []byte(`{
		"post": [
			{"id": "` + id1.String() + `", "name": "a", "run_type": "chain", "start_time": "2026-01-01T00:00:00Z", "session_name": "proj-x", "project_name": "ignored"},
			{"id": "` + id2.String() + `", "name": "b", "run_type": "chain", "start_time": "2026-01-01T00:00:00Z", "project_name": "also-ignored"}
		]
	}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Len(t, batch.Traces, 2)

	for _, trace := range batch.Traces {
		require.NotNil(t, trace.Create.ProjectName)
		assert.Equal(t, "proj-x", *trace.Create.ProjectName)
	}
}

func TestParseBatchRequestUpdateTracksFieldPresence(t *testing.T) {
	id := uuid.New()
	body := []byte(`{
		"patch": [{"id": "` + id.String() + `", "end_time": "2026-01-01T00:00:01Z", "outputs": {"x": 1}}]
	}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Len(t, batch.Traces, 1)

	patch := batch.Traces[0].Update
	require.NotNil(t, patch)
	assert.True(t, patch.HasEndTime)
	assert.True(t, patch.HasOutputs)
	assert.False(t, patch.HasTags)
	assert.False(t, patch.HasError)
}

func TestParseBatchRequestRejectsMissingRequiredFields(t *testing.T) {
	body := []byte(`{"post": [{"name": "missing-id"}]}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Empty(t, batch.Traces)
	require.Len(t, batch.ElementErrs, 1)
	assert.ErrorIs(t, batch.ElementErrs[0].Err, ingestion.ErrMissingID)
}

func TestParseBatchRequestRejectsEmptyBatch(t *testing.T) {
	_, err := ingestion.ParseBatchRequest([]byte(`{}`))
	assert.ErrorIs(t, err, ingestion.ErrEmptyBatch)
}

func TestParseBatchRequestUpdateAppliesProjectNameAndReferenceID(t *testing.T) {
	id := uuid.New()
	body := []byte(`{
		"patch": [{
			"id": "` + id.String() + `",
			"project_name": "proj-y",
			"reference_example_id": "ex-1"
		}]
	}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Len(t, batch.Traces, 1)

	patch := batch.Traces[0].Update
	require.NotNil(t, patch)
	require.True(t, patch.HasProjectName)
	require.NotNil(t, patch.ProjectName)
	assert.Equal(t, "proj-y", *patch.ProjectName)

	require.True(t, patch.HasReferenceID)
	require.NotNil(t, patch.ReferenceExampleID)
	assert.Equal(t, "ex-1", *patch.ReferenceExampleID)
}

func TestParseBatchRequestSessionNameOverridesPatchProjectNameToo(t *testing.T) {
	createID, patchID := uuid.New(), uuid.New()
	body := []byte(`{
		"post": [
			{"id": "` + createID.String() + `", "name": "a", "run_type": "chain", "start_time": "2026-01-01T00:00:00Z", "session_name": "proj-x"}
		],
		"patch": [
			{"id": "` + patchID.String() + `", "project_name": "ignored"}
		]
	}`)

	batch, err := ingestion.ParseBatchRequest(body)
	require.NoError(t, err)
	require.Len(t, batch.Traces, 2)

	var patchTrace *runs.Patch
	for _, trace := range batch.Traces {
		if trace.Update != nil {
			patchTrace = trace.Update
		}
	}

	require.NotNil(t, patchTrace)
	require.True(t, patchTrace.HasProjectName)
	require.NotNil(t, patchTrace.ProjectName)
	assert.Equal(t, "proj-x", *patchTrace.ProjectName)
}
