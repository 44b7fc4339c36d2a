package types

import "time"

// RunStatus is the persisted status of a pipeline run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusStopped   RunStatus = "STOPPED"
)

// Terminal reports whether the status can no longer change
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// Workflow names the sub-workflow a run executes
type Workflow string

const (
	WorkflowReindex      Workflow = "reindex"
	WorkflowDataAssets   Workflow = "data_assets"
	WorkflowCostAnalysis Workflow = "cost_analysis"
	WorkflowDataQuality  Workflow = "data_quality"
	WorkflowWebAnalytics Workflow = "web_analytics"
)

// Workflows lists every supported workflow
var Workflows = []Workflow{
	WorkflowReindex,
	WorkflowDataAssets,
	WorkflowCostAnalysis,
	WorkflowDataQuality,
	WorkflowWebAnalytics,
}

// ParseWorkflow validates a workflow name
func ParseWorkflow(s string) (Workflow, error) {
	for _, w := range Workflows {
		if string(w) == s {
			return w, nil
		}
	}
	return "", ErrUnknownWorkflow
}

// FailureContext explains why a run failed
type FailureContext struct {
	Message    string `json:"message"`
	Step       string `json:"step,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// RunRecord is the persisted status and statistics of one pipeline execution.
// It is created when a run starts, rewritten at every heartbeat and frozen
// once Status leaves RUNNING.
type RunRecord struct {
	RunID     string            `json:"runId"`
	JobID     string            `json:"jobId"`
	Workflow  Workflow          `json:"workflow"`
	Status    RunStatus         `json:"status"`
	Stats     JobStats          `json:"stats"`
	Failure   *FailureContext   `json:"failure,omitempty"`
	Cursors   map[string]string `json:"cursors,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

// Duration returns how long the run took, or has taken so far
func (r *RunRecord) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return r.UpdatedAt.Sub(r.StartedAt)
}
