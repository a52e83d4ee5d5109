package api

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentsight/tracecollector/internal/ingestion"
	"github.com/agentsight/tracecollector/internal/reconcile"
)

// batchResponse is the wire shape of POST /api/v1/runs/batch (§6.1): unlike
// this contract always returns 200 on
// partial failure rather than escalating to 207 — see SPEC_FULL.md §4.1.
type batchResponse struct {
	Success      bool     `json:"success"`
	CreatedCount int      `json:"created_count"` //nolint:tagliatelle
	UpdatedCount int      `json:"updated_count"` //nolint:tagliatelle
	Errors       []string `json:"errors"`
}

// handleBatch ingests the LangSmith-compatible batch payload (§4.3, §6.1):
// parse, translate each element to a runs.Trace, and upsert every trace
// through the Reconciliation Engine. Per-element validation failures are
// recorded in the response's errors array and do not abort the batch;
// store-level failures abort the whole request per §4.4.7.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnsupportedMediaType,
			"Unsupported Media Type", "Content-Type must be application/json"))

		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	batch, err := ingestion.ParseBatchRequest(body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	resp := batchResponse{Success: true}

	for _, elementErr := range batch.ElementErrs {
		resp.Errors = append(resp.Errors, elementErr.Err.Error())
		resp.Success = false
	}

	for _, trace := range batch.Traces {
		_, outcome, err := s.engine.Upsert(r.Context(), trace)
		if err != nil {
			s.logger.Error("batch upsert failed",
				slog.String("run_id", trace.ID.String()), slog.Any("error", err))
			WriteErrorResponse(w, r, s.logger, InternalServerError("failed to process batch"))

			return
		}

		switch outcome {
		case reconcile.OutcomeCreated:
			resp.CreatedCount++
		case reconcile.OutcomeUpdated, reconcile.OutcomeDeferred:
			resp.UpdatedCount++
		}
	}

	start := time.Now()

	s.writeJSON(w, r, http.StatusOK, resp)

	s.logger.Info("batch processed",
		slog.Int("created", resp.CreatedCount),
		slog.Int("updated", resp.UpdatedCount),
		slog.Int("errors", len(resp.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
}

func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}
