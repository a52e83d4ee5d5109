package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/dashboard"
	"github.com/agentsight/tracecollector/internal/runs"
)

const (
	defaultRootsLimit = 50
	timeLayout        = time.RFC3339
)

// handleDashboardRoots serves GET /api/v1/dashboard/runs/roots (§4.8, §6.3):
// filtered, paginated root-run listing.
func (s *Server) handleDashboardRoots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := runs.RootFilters{}

	if v := q.Get("project_name"); v != "" {
		filters.ProjectName = &v
	}

	if v := q.Get("status"); v != "" {
		status := runs.Status(v)
		filters.Status = &status
	}

	if v := q.Get("search"); v != "" {
		filters.Search = &v
	}

	if v := q.Get("start_time_gte"); v != "" {
		if t, err := time.Parse(timeLayout, v); err == nil {
			filters.StartTimeGTE = &t
		}
	}

	if v := q.Get("start_time_lte"); v != "" {
		if t, err := time.Parse(timeLayout, v); err == nil {
			filters.StartTimeLTE = &t
		}
	}

	limit := defaultRootsLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	result, err := s.dashboard.Roots(r.Context(), filters, limit, offset)
	if err != nil {
		s.writeDashboardError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newRootsView(result))
}

// handleDashboardHierarchy serves GET
// /api/v1/dashboard/runs/{trace_id}/hierarchy (§4.8, §6.3).
func (s *Server) handleDashboardHierarchy(w http.ResponseWriter, r *http.Request) {
	rootID, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("trace_id is not a valid UUID"))

		return
	}

	result, err := s.dashboard.Hierarchy(r.Context(), rootID)
	if err != nil {
		s.writeDashboardError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newHierarchyView(result))
}

// handleDashboardSummary serves GET /api/v1/dashboard/stats/summary (§4.8,
// §6.3), which also triggers a stale-run sweep as a side effect (§4.4.6).
func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	result, err := s.dashboard.Summary(r.Context())
	if err != nil {
		s.writeDashboardError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newSummaryView(result))
}

// cleanupResponse is the wire shape of POST
// /api/v1/dashboard/cleanup/stale-runs.
type cleanupResponse struct {
	SweptCount int `json:"swept_count"`
}

// handleDashboardCleanup serves POST
// /api/v1/dashboard/cleanup/stale-runs?timeout_minutes= (§4.4.6, §6.3).
func (s *Server) handleDashboardCleanup(w http.ResponseWriter, r *http.Request) {
	timeoutMinutes := s.config.StaleRunTimeoutMin

	if v := r.URL.Query().Get("timeout_minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeoutMinutes = n
		}
	}

	swept, err := s.dashboard.Cleanup(r.Context(), timeoutMinutes)
	if err != nil {
		s.writeDashboardError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, cleanupResponse{SweptCount: swept})
}

// writeDashboardError maps a dashboard.Service validation/lookup error to
// the appropriate RFC 7807 status.
func (s *Server) writeDashboardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dashboard.ErrInvalidLimit), errors.Is(err, dashboard.ErrInvalidOffset), errors.Is(err, dashboard.ErrInvalidTimeoutMinutes):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case errors.Is(err, runs.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
	default:
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))
	}
}
