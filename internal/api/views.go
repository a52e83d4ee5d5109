package api

import (
	"time"

	"github.com/agentsight/tracecollector/internal/dashboard"
	"github.com/agentsight/tracecollector/internal/runs"
)

// runView is the wire representation of a Run for every dashboard response,
// giving the untagged internal runs.Run type a stable snake_case JSON
// contract independent of its Go field names.
type runView struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	RunType            string         `json:"run_type"`
	Status             string         `json:"status"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            *time.Time     `json:"end_time,omitempty"`
	DurationMillis     *float64       `json:"duration_ms,omitempty"`
	ParentRunID        *string        `json:"parent_run_id,omitempty"`
	Inputs             map[string]any `json:"inputs,omitempty"`
	Outputs            map[string]any `json:"outputs,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	Error              *string        `json:"error,omitempty"`
	ProjectName        *string        `json:"project_name,omitempty"`
	ReferenceExampleID *string        `json:"reference_example_id,omitempty"`
}

func newRunView(r *runs.Run) runView {
	view := runView{
		ID:                 r.ID.String(),
		Name:               r.Name,
		RunType:            string(r.RunType),
		Status:             string(r.Status),
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		Inputs:             r.Inputs,
		Outputs:            r.Outputs,
		Extra:              r.Extra,
		Tags:               r.Tags,
		Error:              r.Error,
		ProjectName:        r.ProjectName,
		ReferenceExampleID: r.ReferenceExampleID,
	}

	if r.ParentRunID != nil {
		id := r.ParentRunID.String()
		view.ParentRunID = &id
	}

	if ms, ok := r.DurationMillis(); ok {
		view.DurationMillis = &ms
	}

	return view
}

// rootsView is the wire shape of the root-listing endpoint response.
type rootsView struct {
	Runs    []runView `json:"runs"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
	HasMore bool      `json:"has_more"`
}

func newRootsView(r *dashboard.RootsResult) rootsView {
	out := rootsView{Total: r.Total, Limit: r.Limit, Offset: r.Offset, HasMore: r.HasMore}
	for _, run := range r.Runs {
		out.Runs = append(out.Runs, newRunView(run))
	}

	return out
}

// hierarchyNodeView is one node of the nested tree returned by the hierarchy
// endpoint.
type hierarchyNodeView struct {
	runView
	Children []hierarchyNodeView `json:"children,omitempty"`
}

func newHierarchyNodeView(n *dashboard.HierarchyNode) hierarchyNodeView {
	view := hierarchyNodeView{runView: newRunView(n.Run)}
	for _, child := range n.Children {
		view.Children = append(view.Children, newHierarchyNodeView(child))
	}

	return view
}

// hierarchyView is the wire shape of the hierarchy endpoint response.
type hierarchyView struct {
	Root      hierarchyNodeView `json:"root"`
	MaxDepth  int               `json:"max_depth"`
	TotalRuns int               `json:"total_runs"`
}

func newHierarchyView(r *dashboard.HierarchyResult) hierarchyView {
	return hierarchyView{
		Root:      newHierarchyNodeView(r.Root),
		MaxDepth:  r.MaxDepth,
		TotalRuns: r.TotalRuns,
	}
}

// projectInfoView mirrors storage.ProjectInfo with a stable JSON contract.
type projectInfoView struct {
	Name         string    `json:"name"`
	TotalRuns    int       `json:"total_runs"`
	TotalTraces  int       `json:"total_traces"`
	LastActivity time.Time `json:"last_activity"`
}

// summaryView is the wire shape of the dashboard summary endpoint response.
type summaryView struct {
	TotalRuns           int              `json:"total_runs"`
	TotalTraces         int              `json:"total_traces"`
	RecentRuns24h       int              `json:"recent_runs_24h"`
	StatusDistribution  map[string]int   `json:"status_distribution"`
	RunTypeDistribution map[string]int   `json:"run_type_distribution"`
	ProjectDistribution map[string]int   `json:"project_distribution"`
	TopProjects         []projectInfoView `json:"top_projects"`
	StaleRunsSwept      int              `json:"stale_runs_swept"`
}

func newSummaryView(r *dashboard.SummaryResult) summaryView {
	view := summaryView{
		TotalRuns:           r.Stats.TotalRuns,
		TotalTraces:         r.Stats.TotalTraces,
		RecentRuns24h:       r.Stats.RecentRuns24h,
		StatusDistribution:  make(map[string]int, len(r.Stats.StatusDistribution)),
		RunTypeDistribution: make(map[string]int, len(r.Stats.RunTypeDistribution)),
		ProjectDistribution: r.Stats.ProjectDistribution,
		StaleRunsSwept:      r.SweptStaleRun,
	}

	for status, count := range r.Stats.StatusDistribution {
		view.StatusDistribution[string(status)] = count
	}

	for runType, count := range r.Stats.RunTypeDistribution {
		view.RunTypeDistribution[string(runType)] = count
	}

	for _, p := range r.TopProjects {
		view.TopProjects = append(view.TopProjects, projectInfoView{
			Name:         p.Name,
			TotalRuns:    p.TotalRuns,
			TotalTraces:  p.TotalTraces,
			LastActivity: p.LastActivity,
		})
	}

	return view
}
