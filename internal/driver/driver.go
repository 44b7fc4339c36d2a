package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/insights-pipeline/internal/metrics"
	"github.com/dshills/insights-pipeline/internal/notify"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/sink"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/internal/workflow"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// Config describes one run of a job
type Config struct {
	Workflow       types.Workflow        // default: reindex
	EntityTypes    []string              // default: every type the workflow covers
	BatchSize      int                   // records per batch (default: 100)
	RecreateIndex  bool                  // drop and recreate destination indexes
	AfterCursor    string                // start the first entity type after this cursor
	BackfillWindow *types.BackfillWindow // analytics window (default: current UTC day)
	Resume         bool                  // continue the last STOPPED or FAILED run of the job
}

// Options configures a Driver
type Options struct {
	RetentionDays    int // backfill horizon in days; <= 0 disables clamping
	IndexPrefix      string
	CostServiceTypes []string
	TeamCacheSize    int
	Logger           *slog.Logger
	Notifier         notify.Notifier
	Now              func() time.Time
}

// Store is the persistence the driver needs
type Store interface {
	storage.EntityStore
	storage.RunStore
}

// Job names a run configuration for RunAll
type Job struct {
	ID     string
	Config Config
}

// Driver starts runs, persists their records and publishes their progress.
// Runs of different jobs may execute concurrently; a job runs at most once
// at a time.
type Driver struct {
	store   Store
	sink    sink.Sink
	dialect search.Dialect
	opts    Options
	locks   *lockTable

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a driver reading from store and writing through s
func New(store Store, s sink.Sink, dialect search.Dialect, opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		store:   store,
		sink:    s,
		dialect: dialect,
		opts:    opts,
		locks:   newLockTable(),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (d *Driver) now() time.Time {
	return d.opts.Now().UTC()
}

// Run executes one run of jobID and returns its final record. A run that
// ends FAILED or STOPPED is not an error: the record says how it ended.
// Errors are returned only when the run could not start or its final
// record could not be saved.
func (d *Driver) Run(ctx context.Context, jobID string, cfg Config) (*types.RunRecord, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	if cfg.Workflow == "" {
		cfg.Workflow = types.WorkflowReindex
	}
	if _, err := types.ParseWorkflow(string(cfg.Workflow)); err != nil {
		return nil, fmt.Errorf("%w: %q", err, cfg.Workflow)
	}
	if _, err := storage.DecodeCursor(cfg.AfterCursor); err != nil {
		return nil, err
	}

	lock := d.locks.get(jobID)
	if !lock.TryAcquire() {
		return nil, fmt.Errorf("%w: %s", types.ErrRunInProgress, jobID)
	}
	defer lock.Release()

	// Stop works from the moment the lock is held
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.track(jobID, cancel)
	defer d.untrack(jobID)

	logger := d.opts.Logger.With("job_id", jobID, "workflow", cfg.Workflow)
	now := d.now()

	window, warnings, skip, err := d.resolveWindow(cfg, now)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	stale, err := d.store.MarkStaleRunsStopped(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		logger.Warn("marked stale runs stopped", "count", stale)
	}

	prev, err := d.resumable(ctx, jobID, cfg)
	if err != nil {
		return nil, err
	}
	if prev != nil && !workflow.Resumable(cfg.Workflow) {
		logger.Info("workflow restarts from scratch on resume", "previous_run", prev.RunID)
		prev = nil
	}
	startCursor := cfg.AfterCursor
	if prev != nil {
		startCursor = ""
	}

	plan, err := workflow.BuildPlan(d.store, workflow.PlanConfig{
		Workflow:         cfg.Workflow,
		EntityTypes:      cfg.EntityTypes,
		RecreateIndex:    cfg.RecreateIndex,
		Resuming:         prev != nil,
		StartCursor:      startCursor,
		IndexPrefix:      d.opts.IndexPrefix,
		Window:           window,
		Now:              now,
		CostServiceTypes: d.opts.CostServiceTypes,
		TeamCacheSize:    d.opts.TeamCacheSize,
	})
	if err != nil {
		return nil, err
	}

	var seed types.JobStats
	if prev != nil {
		seed = prev.Stats
		for i := range plan.Steps {
			plan.Steps[i].StartCursor = prev.Cursors[plan.Steps[i].Name]
		}
		logger.Info("resuming run", "previous_run", prev.RunID, "cursors", len(prev.Cursors))
	}

	rec := &types.RunRecord{
		RunID:     uuid.NewString(),
		JobID:     jobID,
		Workflow:  cfg.Workflow,
		Status:    types.RunStatusRunning,
		Stats:     types.JobStats{Steps: map[string]types.StepStats{}},
		Warnings:  warnings,
		StartedAt: now,
		UpdatedAt: now,
	}
	logger = logger.With("run_id", rec.RunID)
	if err := d.store.SaveRunRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	d.opts.Notifier.Broadcast(ctx, notify.FromRecord(notify.EventRunStarted, rec, ""))
	logger.Info("run started", "steps", len(plan.Steps), "window", window.String())

	if skip != "" {
		logger.Warn(skip)
		rec.Warnings = append(rec.Warnings, skip)
		rec.Status = types.RunStatusCompleted
		return d.finish(ctx, rec, logger)
	}

	collector := metrics.NewCollector()
	orch := workflow.New(d.store, d.sink, d.dialect, workflow.Options{
		BatchSize: cfg.BatchSize,
		Logger:    d.opts.Logger,
		Metrics:   collector,
		OnHeartbeat: func(hctx context.Context, p workflow.Progress) {
			rec.Stats = p.Stats
			rec.Cursors = p.Cursors
			rec.UpdatedAt = d.now()
			if err := d.store.SaveRunRecord(context.WithoutCancel(hctx), rec); err != nil {
				logger.Warn("failed to persist progress", "error", err)
			}
			d.opts.Notifier.Broadcast(hctx, notify.FromRecord(notify.EventProgress, rec, p.Step))
		},
	})

	res := orch.Execute(runCtx, jobID, rec.RunID, plan, seed)
	rec.Status = res.State.RunStatus()
	rec.Stats = res.Stats
	rec.Cursors = res.Cursors
	rec.Failure = res.Failure
	logger.Info("run timings",
		"elapsed_s", res.Timings.ElapsedSeconds,
		"read", res.Timings.SourceRead,
		"process", res.Timings.Process,
		"write", res.Timings.SinkWrite)

	return d.finish(ctx, rec, logger)
}

// finish freezes the record. It is saved even when ctx was cancelled.
func (d *Driver) finish(ctx context.Context, rec *types.RunRecord, logger *slog.Logger) (*types.RunRecord, error) {
	ended := d.now()
	rec.UpdatedAt = ended
	rec.EndedAt = &ended

	ctx = context.WithoutCancel(ctx)
	if err := d.store.SaveRunRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to save final run record: %w", err)
	}
	d.opts.Notifier.Broadcast(ctx, notify.FromRecord(notify.EventRunFinished, rec, ""))

	level := slog.LevelInfo
	if rec.Status == types.RunStatusFailed {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "run finished", "status", rec.Status, "stats", rec.Stats, "duration", rec.Duration())
	return rec, nil
}

// resolveWindow picks the analytics window and clamps it to the retention
// horizon. skip is non-empty when the window leaves nothing to process and
// says why.
func (d *Driver) resolveWindow(cfg Config, now time.Time) (types.BackfillWindow, []string, string, error) {
	if cfg.BackfillWindow == nil {
		return types.DayWindow(now), nil, "", nil
	}

	w := *cfg.BackfillWindow
	if w.End.Before(w.Start) {
		return w, nil, "", fmt.Errorf("%w: %s", types.ErrInvalidWindow, w)
	}
	// the window only bounds analytics workflows
	if cfg.Workflow != types.WorkflowReindex && w.Empty() {
		return w, nil, fmt.Sprintf("backfill window %s is empty, nothing to do", w), nil
	}

	var warnings []string
	if d.opts.RetentionDays > 0 {
		clamped, _ := w.Clamp(now, d.opts.RetentionDays)
		if !clamped.Start.Equal(w.Start) {
			warnings = append(warnings, fmt.Sprintf("backfill window %s clamped to %s by %d-day retention",
				w, clamped, d.opts.RetentionDays))
		}
		w = clamped
	}
	var skip string
	if cfg.Workflow != types.WorkflowReindex && w.Empty() {
		skip = fmt.Sprintf("backfill window collapsed to zero width by %d-day retention, nothing to do", d.opts.RetentionDays)
	}
	return w, warnings, skip, nil
}

// resumable returns the run to resume, or nil
func (d *Driver) resumable(ctx context.Context, jobID string, cfg Config) (*types.RunRecord, error) {
	if !cfg.Resume {
		return nil, nil
	}
	prev, err := d.store.LoadRunRecord(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load previous run: %w", err)
	}
	if prev.Workflow != cfg.Workflow {
		return nil, nil
	}
	if prev.Status != types.RunStatusStopped && prev.Status != types.RunStatusFailed {
		return nil, nil
	}
	return prev, nil
}

func (d *Driver) track(jobID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels[jobID] = cancel
}

func (d *Driver) untrack(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancels, jobID)
}

// Stop requests the running run of jobID to stop after its current batch.
// It reports false when the job is not running.
func (d *Driver) Stop(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of the jobs currently running, sorted
func (d *Driver) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.cancels))
	for id := range d.cancels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RunAll runs jobs concurrently and returns their records in job order.
// One job failing to start does not stop the others; the first such
// error is returned.
func (d *Driver) RunAll(ctx context.Context, jobs []Job) ([]*types.RunRecord, error) {
	records := make([]*types.RunRecord, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			rec, err := d.Run(ctx, job.ID, job.Config)
			records[i] = rec
			if err != nil {
				return fmt.Errorf("job %s: %w", job.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return records, err
}
