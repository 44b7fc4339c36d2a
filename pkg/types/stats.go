package types

import (
	"log/slog"
	"sort"
)

// JobStepName is the synthesized step holding the sum of all steps
const JobStepName = "job"

// StepStats holds the counters for one named step (an entity type or a stage).
// Total is fixed when the step is registered; Success and Failed only grow.
type StepStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Processed returns Success + Failed
func (s StepStats) Processed() int {
	return s.Success + s.Failed
}

// Add returns the element-wise sum of two step stats
func (s StepStats) Add(o StepStats) StepStats {
	return StepStats{
		Total:   s.Total + o.Total,
		Success: s.Success + o.Success,
		Failed:  s.Failed + o.Failed,
	}
}

// LogValue implements slog.LogValuer
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("total", s.Total),
		slog.Int("success", s.Success),
		slog.Int("failed", s.Failed),
	)
}

// JobStats maps step names to their counters plus the synthesized job totals.
type JobStats struct {
	Job   StepStats            `json:"job"`
	Steps map[string]StepStats `json:"steps"`
}

// StepNames returns the step names in sorted order
func (j JobStats) StepNames() []string {
	names := make([]string, 0, len(j.Steps))
	for name := range j.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasFailures reports whether any step recorded a failure
func (j JobStats) HasFailures() bool {
	for _, s := range j.Steps {
		if s.Failed > 0 {
			return true
		}
	}
	return false
}

// SuccessRate returns the share of processed records that succeeded, 0..1.
// A job that has processed nothing reports 1.
func (j JobStats) SuccessRate() float64 {
	processed := j.Job.Processed()
	if processed == 0 {
		return 1
	}
	return float64(j.Job.Success) / float64(processed)
}

// Clone returns a deep copy
func (j JobStats) Clone() JobStats {
	out := JobStats{Job: j.Job, Steps: make(map[string]StepStats, len(j.Steps))}
	for k, v := range j.Steps {
		out.Steps[k] = v
	}
	return out
}

// LogValue implements slog.LogValuer
func (j JobStats) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(j.Steps)+1)
	attrs = append(attrs, slog.Any(JobStepName, j.Job))
	for _, name := range j.StepNames() {
		attrs = append(attrs, slog.Any(name, j.Steps[name]))
	}
	return slog.GroupValue(attrs...)
}
