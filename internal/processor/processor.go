package processor

import (
	"context"
	"sort"
	"time"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// RunContext carries the parameters of one run through every stage. The
// orchestrator owns it and updates EntityType and IndexName per step.
type RunContext struct {
	JobID          string
	RunID          string
	Workflow       types.Workflow
	EntityType     string
	IndexName      string
	AggregateIndex string
	Window         types.BackfillWindow
	Now            time.Time
	Dialect        search.Dialect

	// CostRollup accumulates cost facts across batches of a cost analysis run
	CostRollup *CostRollup
}

// Shaper returns the document shaper of the run's dialect
func (rc *RunContext) Shaper() Shaper {
	return ShaperFor(rc.Dialect)
}

// Processor is one transformation stage. A *types.PartialFailure error
// comes with the output of the records that succeeded; any other error
// means the whole input failed.
type Processor[In, Out any] interface {
	Process(ctx context.Context, in In, rc *RunContext) (Out, error)
}

// Func adapts a function to a Processor
type Func[In, Out any] func(ctx context.Context, in In, rc *RunContext) (Out, error)

func (f Func[In, Out]) Process(ctx context.Context, in In, rc *RunContext) (Out, error) {
	return f(ctx, in, rc)
}

// Chain feeds the output of first into second. Partial failures of both
// stages are merged; a hard failure of either stops the chain.
func Chain[A, B, C any](first Processor[A, B], second Processor[B, C]) Processor[A, C] {
	return Func[A, C](func(ctx context.Context, in A, rc *RunContext) (C, error) {
		var zero C

		mid, err := first.Process(ctx, in, rc)
		pf1, ok := partialOrNil(err)
		if !ok {
			return zero, err
		}

		out, err := second.Process(ctx, mid, rc)
		pf2, ok := partialOrNil(err)
		if !ok {
			return zero, err
		}

		if merged := MergePartial(pf1, pf2); merged != nil {
			return out, merged
		}
		return out, nil
	})
}

// partialOrNil reports false for hard errors
func partialOrNil(err error) (*types.PartialFailure, bool) {
	if err == nil {
		return nil, true
	}
	return types.AsPartial(err)
}

// MergePartial combines the failures of consecutive stages. Failed records
// are counted once per id against the submitted count of the first stage.
func MergePartial(a, b *types.PartialFailure) *types.PartialFailure {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return b
	case b == nil:
		return a
	}

	seen := make(map[string]bool, len(a.Details)+len(b.Details))
	var details []types.RecordError
	for _, d := range append(append([]types.RecordError{}, a.Details...), b.Details...) {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		details = append(details, d)
	}
	return types.NewPartialFailure(a.Stage+"+"+b.Stage, a.Submitted, details)
}

// Finalizer produces documents once a step's source is exhausted
type Finalizer func(ctx context.Context, rc *RunContext) ([]search.Document, error)

// failures collects per-record errors inside a stage
type failures struct {
	stage   string
	details []types.RecordError
	ids     map[string]bool
}

func newFailures(stage string) *failures {
	return &failures{stage: stage, ids: map[string]bool{}}
}

func (f *failures) add(id string, err error) {
	if f.ids[id] {
		return
	}
	f.ids[id] = true
	f.details = append(f.details, types.RecordError{ID: id, Message: err.Error()})
}

func (f *failures) has(id string) bool {
	return f.ids[id]
}

// result returns nil when nothing failed
func (f *failures) result(submitted int) error {
	if len(f.details) == 0 {
		return nil
	}
	sort.SliceStable(f.details, func(i, j int) bool { return f.details[i].ID < f.details[j].ID })
	return types.NewPartialFailure(f.stage, submitted, f.details)
}
