package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"

	"github.com/dshills/insights-pipeline/internal/metrics"
	"github.com/dshills/insights-pipeline/internal/processor"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/sink"
	"github.com/dshills/insights-pipeline/internal/source"
	"github.com/dshills/insights-pipeline/internal/stats"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// State is the lifecycle state of one workflow execution
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateStopped      State = "STOPPED"
)

// RunStatus maps the state to the persisted run status
func (s State) RunStatus() types.RunStatus {
	switch s {
	case StateCompleted:
		return types.RunStatusCompleted
	case StateFailed:
		return types.RunStatusFailed
	case StateStopped:
		return types.RunStatusStopped
	default:
		return types.RunStatusRunning
	}
}

// AggregateSuffix names the step that accounts for a finalizer's documents
const AggregateSuffix = ".aggregate"

// Progress is published after every batch
type Progress struct {
	State   State
	Step    string
	Stats   types.JobStats
	Cursors map[string]string
}

// Heartbeat receives progress; it must not block for long
type Heartbeat func(ctx context.Context, p Progress)

// Options configures an Orchestrator
type Options struct {
	BatchSize   int
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	OnHeartbeat Heartbeat
}

// Result is the outcome of one Execute call
type Result struct {
	State   State
	Stats   types.JobStats
	Cursors map[string]string
	Failure *types.FailureContext
	Timings metrics.Snapshot
	Err     error
}

// Orchestrator drives Source -> Processor -> Sink per step of a plan
type Orchestrator struct {
	store   storage.EntityStore
	sink    sink.Sink
	dialect search.Dialect
	opts    Options
}

// New creates an orchestrator writing to s in the given dialect
func New(store storage.EntityStore, s sink.Sink, dialect search.Dialect, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = source.DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	return &Orchestrator{store: store, sink: s, dialect: dialect, opts: opts}
}

// execution is the mutable state of one Execute call
type execution struct {
	o       *Orchestrator
	plan    Plan
	base    processor.RunContext
	agg     *stats.Aggregator
	seed    types.JobStats
	cursors map[string]string
	logger  *slog.Logger
	step    string
	resets  map[string]bool
}

// Execute runs plan to completion, interruption or failure. seed carries
// the counts of an interrupted run being resumed; they are added to the
// counts of this run so totals converge. Execute never panics: a panic in
// a stage fails the run with its stack trace.
func (o *Orchestrator) Execute(ctx context.Context, jobID, runID string, plan Plan, seed types.JobStats) (res *Result) {
	ex := &execution{
		o:    o,
		plan: plan,
		base: processor.RunContext{
			JobID:      jobID,
			RunID:      runID,
			Workflow:   plan.Workflow,
			Window:     plan.Window,
			Now:        plan.Now,
			Dialect:    o.dialect,
			CostRollup: plan.CostRollup,
		},
		agg:     stats.New(),
		seed:    seed,
		cursors: make(map[string]string),
		logger:  o.opts.Logger.With("job_id", jobID, "run_id", runID, "workflow", plan.Workflow),
		resets:  make(map[string]bool),
	}
	if ex.base.Now.IsZero() {
		ex.base.Now = time.Now().UTC()
	}

	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("workflow panicked", "step", ex.step, "panic", r)
			res = ex.result(StateFailed, &types.FailureContext{
				Message:    fmt.Sprintf("panic: %v", r),
				Step:       ex.step,
				StackTrace: string(debug.Stack()),
			}, fmt.Errorf("panic in step %s: %v", ex.step, r))
		}
	}()

	ex.logger.Info("workflow initializing", "steps", len(plan.Steps), "window", plan.Window.String())
	// Totals are counted even when a stop is already requested
	sources, err := ex.initialize(context.WithoutCancel(ctx))
	if err != nil {
		return ex.fail(err)
	}
	ex.heartbeat(ctx, StateRunning)

	for i, spec := range plan.Steps {
		interrupted, err := ex.runStep(ctx, spec, sources[i])
		if err != nil {
			return ex.fail(err)
		}
		if interrupted {
			ex.logger.Info("workflow stopped", "step", spec.Name, "stats", ex.agg.Snapshot())
			return ex.result(StateStopped, nil, nil)
		}
	}

	snap := ex.agg.Snapshot()
	if snap.HasFailures() {
		step := firstFailedStep(snap)
		ex.logger.Warn("workflow finished with failures", "stats", snap)
		return ex.result(StateFailed, &types.FailureContext{
			Message: fmt.Sprintf("%d of %d records failed", snap.Job.Failed, snap.Job.Processed()),
			Step:    step,
		}, nil)
	}
	ex.logger.Info("workflow completed", "stats", snap)
	return ex.result(StateCompleted, nil, nil)
}

// initialize counts every step and builds its source
func (ex *execution) initialize(ctx context.Context) ([]source.Source, error) {
	sources := make([]source.Source, 0, len(ex.plan.Steps))
	for _, spec := range ex.plan.Steps {
		ex.step = spec.Name
		if spec.Processor == nil {
			return nil, types.Fatal("initialize", fmt.Errorf("step %s has no processor", spec.Name))
		}
		src, err := source.NewEntitySource(ctx, ex.o.store, spec.EntityType, source.Options{
			BatchSize: ex.o.opts.BatchSize,
			Filter:    spec.Filter,
			Logger:    ex.logger,
		})
		if err != nil {
			return nil, types.Fatal("initialize", err)
		}
		ex.agg.Register(spec.Name, src.Stats().Total)
		ex.agg.Update(spec.Name, ex.seeded(spec.Name, types.StepStats{}))
		if spec.StartCursor != "" {
			ex.cursors[spec.Name] = spec.StartCursor
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// seeded adds the resumed run's counts of a step to s
func (ex *execution) seeded(step string, s types.StepStats) types.StepStats {
	prev := ex.seed.Steps[step]
	return types.StepStats{Success: prev.Success + s.Success, Failed: prev.Failed + s.Failed}
}

// runStep drains one source. It reports true when interrupted.
func (ex *execution) runStep(ctx context.Context, spec StepSpec, src source.Source) (bool, error) {
	ex.step = spec.Name
	log := ex.logger.With("step", spec.Name)

	rc := ex.base
	rc.EntityType = spec.EntityType
	rc.IndexName = spec.Index
	rc.AggregateIndex = spec.AggregateIndex

	if ctx.Err() != nil {
		return true, nil
	}
	// Resets and batches, once started, run to their end regardless of a stop request
	bctx := context.WithoutCancel(ctx)
	if err := ex.reset(bctx, spec); err != nil {
		return false, err
	}

	cursor := spec.StartCursor
	for !src.IsDone() {
		if ctx.Err() != nil {
			return true, nil
		}

		start := time.Now()
		batch, next, err := src.ReadNext(bctx, cursor)
		ex.o.opts.Metrics.Since(metrics.OpSourceRead, start, len(batch.Records))
		if err != nil {
			if errors.Is(err, types.ErrSourceExhausted) {
				break
			}
			return false, types.Fatal("source", err)
		}

		out, err := ex.deliver(bctx, batch, spec, &rc, log)
		if out.success+out.failed > 0 {
			src.UpdateStats(out.success, out.failed)
			ex.agg.Update(spec.Name, ex.seeded(spec.Name, src.Stats()))
		}
		if err != nil {
			// keep what reached the destination; a resume starts at the first unwritten record
			if out.lastID != "" {
				ex.cursors[spec.Name] = storage.EncodeCursor(out.lastID)
			}
			return false, err
		}

		cursor = next
		ex.cursors[spec.Name] = cursor
		ex.heartbeat(ctx, StateRunning)
	}

	if spec.Finalizer != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		if err := ex.finalize(bctx, spec, &rc, log); err != nil {
			return false, err
		}
		ex.heartbeat(ctx, StateRunning)
	}
	log.Info("step completed", "stats", src.Stats())
	return false, nil
}

// reset applies the step's reset actions that no earlier step applied
func (ex *execution) reset(ctx context.Context, spec StepSpec) error {
	for _, action := range spec.Resets {
		key := action.String()
		if action.Kind == sink.ResetNone || ex.resets[key] {
			continue
		}
		start := time.Now()
		if err := ex.o.sink.Reset(ctx, action); err != nil {
			return err
		}
		ex.o.opts.Metrics.Since(metrics.OpReset, start, 0)
		ex.resets[key] = true
	}
	return nil
}

// delivery is the record-level outcome of one batch
type delivery struct {
	success int
	failed  int
	// lastID is the highest id accounted for when the write failed part way
	lastID string
}

// deliver processes and writes one batch and returns its record-level outcome.
// Failed records are the union of read errors, processor failures and
// records whose documents were rejected; every other record succeeded.
// When the write fails part way, only the records whose documents all
// reached the destination are accounted, together with the error.
func (ex *execution) deliver(ctx context.Context, batch types.Batch, spec StepSpec, rc *processor.RunContext, log *slog.Logger) (delivery, error) {
	failed := make(map[string]bool)
	for _, e := range batch.Errors {
		failed[e.ID] = true
	}

	start := time.Now()
	docs, err := spec.Processor.Process(ctx, batch.Records, rc)
	ex.o.opts.Metrics.Since(metrics.OpProcess, start, len(batch.Records))
	if err != nil {
		if types.IsFatal(err) {
			return delivery{}, err
		}
		if pf, ok := types.AsPartial(err); ok {
			log.Warn("records failed processing", "stage", pf.Stage, "failed", pf.Failed,
				"details", types.JoinMessages(pf.Details))
			for _, id := range pf.FailedIDs() {
				failed[id] = true
			}
		} else {
			log.Error("batch failed processing", "records", len(batch.Records), "error", err)
			for _, r := range batch.Records {
				failed[r.ID] = true
			}
			docs = nil
		}
	}

	start = time.Now()
	written, err := ex.o.sink.Write(ctx, docs, rc)
	ex.o.opts.Metrics.Since(metrics.OpSinkWrite, start, len(docs))
	for _, id := range written.RejectedSources {
		failed[id] = true
	}
	if err != nil {
		if !types.IsFatal(err) {
			err = types.Fatal("sink", err)
		}
		out := committed(batch, docs, written.Settled, failed)
		log.Warn("write failed part way", "success", out.success, "failed", out.failed, "last_id", out.lastID)
		return out, err
	}

	submitted := batch.Submitted()
	nFailed := min(len(failed), submitted)
	return delivery{success: submitted - nFailed, failed: nFailed}, nil
}

// committed accounts the records of a batch that sort before the first
// record with an unwritten document. Scans run in id order, so a cursor
// after lastID resumes exactly at that record.
func committed(batch types.Batch, docs []search.Document, settled []string, failed map[string]bool) delivery {
	pending := make(map[string]int, len(docs))
	for _, d := range docs {
		pending[d.Origin()]++
	}
	done := make(map[string]int, len(settled))
	for _, id := range settled {
		done[id]++
	}

	boundary, bounded := "", false
	for _, r := range batch.Records {
		if done[r.ID] < pending[r.ID] && (!bounded || r.ID < boundary) {
			boundary, bounded = r.ID, true
		}
	}

	var out delivery
	account := func(id string, ok bool) {
		if bounded && id >= boundary {
			return
		}
		if ok {
			out.success++
		} else {
			out.failed++
		}
		if id > out.lastID {
			out.lastID = id
		}
	}
	for _, r := range batch.Records {
		account(r.ID, !failed[r.ID])
	}
	for _, e := range batch.Errors {
		account(e.ID, false)
	}
	return out
}

// finalize writes the documents a step produces once its source is drained,
// accounted under <step>.aggregate
func (ex *execution) finalize(ctx context.Context, spec StepSpec, rc *processor.RunContext, log *slog.Logger) error {
	name := spec.Name + AggregateSuffix
	ex.step = name

	start := time.Now()
	docs, err := spec.Finalizer(ctx, rc)
	ex.o.opts.Metrics.Since(metrics.OpFinalize, start, len(docs))
	if err != nil {
		return types.Fatal(name, err)
	}
	ex.agg.Register(name, len(docs))

	written, err := ex.o.sink.Write(ctx, docs, rc)
	if err != nil {
		if !types.IsFatal(err) {
			err = types.Fatal(name, err)
		}
		ex.agg.Update(name, types.StepStats{Success: written.Accepted, Failed: written.Rejected})
		return err
	}
	failed := min(written.Rejected, len(docs))
	ex.agg.Update(name, types.StepStats{Success: len(docs) - failed, Failed: failed})
	log.Info("aggregates written", "documents", len(docs), "rejected", failed)
	return nil
}

func (ex *execution) heartbeat(ctx context.Context, state State) {
	if ex.o.opts.OnHeartbeat == nil {
		return
	}
	ex.o.opts.OnHeartbeat(ctx, Progress{
		State:   state,
		Step:    ex.step,
		Stats:   ex.agg.Snapshot(),
		Cursors: maps.Clone(ex.cursors),
	})
}

func (ex *execution) fail(err error) *Result {
	failure := &types.FailureContext{Message: err.Error(), Step: ex.step}
	var fe *types.FatalError
	if errors.As(err, &fe) {
		failure.StackTrace = fe.Stack
	}
	ex.logger.Error("workflow failed", "step", ex.step, "error", err)
	return ex.result(StateFailed, failure, err)
}

func (ex *execution) result(state State, failure *types.FailureContext, err error) *Result {
	return &Result{
		State:   state,
		Stats:   ex.agg.Snapshot(),
		Cursors: maps.Clone(ex.cursors),
		Failure: failure,
		Timings: ex.o.opts.Metrics.Snapshot(),
		Err:     err,
	}
}

func firstFailedStep(s types.JobStats) string {
	for _, name := range s.StepNames() {
		if s.Steps[name].Failed > 0 {
			return name
		}
	}
	return ""
}
