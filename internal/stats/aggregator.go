// Package stats accumulates per-step counters for a pipeline run.
package stats

import (
	"sync"

	"github.com/dshills/insights-pipeline/pkg/types"
)

// Aggregator tracks StepStats for a dynamic set of named steps. It is safe
// for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	steps map[string]types.StepStats
}

// New creates an empty aggregator
func New() *Aggregator {
	return &Aggregator{steps: make(map[string]types.StepStats)}
}

// Register adds a step with its fixed total. Registering an existing step
// keeps the original total.
func (a *Aggregator) Register(step string, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.steps[step]; ok {
		return
	}
	a.steps[step] = types.StepStats{Total: total}
}

// Update replaces the cumulative success and failed counts of a step.
// Counters never move backwards and the registered total is kept.
func (a *Aggregator) Update(step string, s types.StepStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.steps[step]
	if !ok {
		cur.Total = s.Total
	}
	if s.Success > cur.Success {
		cur.Success = s.Success
	}
	if s.Failed > cur.Failed {
		cur.Failed = s.Failed
	}
	a.steps[step] = cur
}

// Snapshot returns a copy of all steps with the job totals recomputed from them
func (a *Aggregator) Snapshot() types.JobStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := types.JobStats{Steps: make(map[string]types.StepStats, len(a.steps))}
	for name, s := range a.steps {
		out.Steps[name] = s
		out.Job = out.Job.Add(s)
	}
	return out
}

// Merge adds the counters of another run's stats into this aggregator.
// Steps are matched by name; totals add up as well.
func (a *Aggregator) Merge(other types.JobStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, s := range other.Steps {
		a.steps[name] = a.steps[name].Add(s)
	}
}

// Merge combines the stats of independent runs into one JobStats
func Merge(runs ...types.JobStats) types.JobStats {
	agg := New()
	for _, r := range runs {
		agg.Merge(r)
	}
	return agg.Snapshot()
}
