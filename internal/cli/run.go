package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/insights-pipeline/internal/config"
	"github.com/dshills/insights-pipeline/internal/driver"
	"github.com/dshills/insights-pipeline/pkg/types"
)

var (
	runWorkflow    string
	runEntityTypes []string
	runBatchSize   int
	runRecreate    bool
	runAfterCursor string
	runFrom        string
	runTo          string
	runResume      bool
	runAll         bool
)

var runCmd = &cobra.Command{
	Use:   "run [job-id]",
	Short: "Run a job to completion",
	Long: `Run one job, or every configured job with --all.

A job id that names a job in the config file takes its settings; flags
override them. Ctrl+C stops the run after the current batch; resume it
later with --resume.

Examples:
  pipeline run nightly --entity-types table,topic --recreate-index
  pipeline run cost --workflow cost_analysis --from 2024-06-01
  pipeline run nightly --resume
  pipeline run --all -c pipeline.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkflow, "workflow", "w", "", "workflow (reindex, data_assets, cost_analysis, data_quality, web_analytics)")
	runCmd.Flags().StringSliceVarP(&runEntityTypes, "entity-types", "t", nil, "entity types to process")
	runCmd.Flags().IntVarP(&runBatchSize, "batch-size", "b", 0, "records per batch")
	runCmd.Flags().BoolVar(&runRecreate, "recreate-index", false, "drop and recreate destination indexes")
	runCmd.Flags().StringVar(&runAfterCursor, "after-cursor", "", "start the first entity type after this cursor")
	runCmd.Flags().StringVar(&runFrom, "from", "", "backfill window start (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runTo, "to", "", "backfill window end, exclusive (YYYY-MM-DD)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "continue the last stopped or failed run")
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every configured job concurrently")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runAll == (len(args) == 1) {
		return errors.New("give either a job id or --all")
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	stopProgress, err := a.serveProgress()
	if err != nil {
		return err
	}
	defer stopProgress()

	out := cmd.OutOrStdout()
	if runAll {
		jobs, err := allJobs(cfg)
		if err != nil {
			return err
		}
		records, runErr := a.driver.RunAll(ctx, jobs)
		failed := 0
		for _, rec := range records {
			if rec == nil {
				continue
			}
			printRecord(out, rec)
			fmt.Fprintln(out)
			if rec.Status != types.RunStatusCompleted {
				failed++
			}
		}
		printCombined(out, records)
		if runErr != nil {
			return runErr
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs did not complete", failed, len(records))
		}
		return nil
	}

	jobID := args[0]
	dc, err := commandConfig(cmd, jobID)
	if err != nil {
		return err
	}
	rec, err := a.driver.Run(ctx, jobID, dc)
	if rec != nil {
		printRecord(out, rec)
	}
	if err != nil {
		return err
	}
	if rec.Status == types.RunStatusFailed {
		return fmt.Errorf("run %s failed", rec.RunID)
	}
	return nil
}

// commandConfig starts from the configured job, if any, and applies flags
func commandConfig(cmd *cobra.Command, jobID string) (driver.Config, error) {
	var dc driver.Config
	if job, ok := cfg.Job(jobID); ok {
		var err error
		if dc, err = driverConfig(job, cfg.DefaultBatchSize); err != nil {
			return dc, err
		}
	}
	if dc.BatchSize == 0 {
		dc.BatchSize = cfg.DefaultBatchSize
	}

	flags := cmd.Flags()
	if flags.Changed("workflow") {
		wf, err := types.ParseWorkflow(runWorkflow)
		if err != nil {
			return dc, fmt.Errorf("%w: %q", err, runWorkflow)
		}
		dc.Workflow = wf
	}
	if flags.Changed("entity-types") {
		dc.EntityTypes = runEntityTypes
	}
	if flags.Changed("batch-size") {
		if runBatchSize <= 0 {
			return dc, fmt.Errorf("batch size must be positive, got %d", runBatchSize)
		}
		dc.BatchSize = runBatchSize
	}
	if flags.Changed("recreate-index") {
		dc.RecreateIndex = runRecreate
	}
	if flags.Changed("resume") {
		dc.Resume = runResume
	}
	dc.AfterCursor = runAfterCursor
	if runFrom != "" || runTo != "" {
		w, err := config.ParseWindow(runFrom, runTo)
		if err != nil {
			return dc, err
		}
		dc.BackfillWindow = w
	}
	return dc, nil
}

func allJobs(c config.Config) ([]driver.Job, error) {
	if len(c.Jobs) == 0 {
		return nil, errors.New("no jobs configured; declare them under jobs: in the config file")
	}
	jobs := make([]driver.Job, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		dc, err := driverConfig(j, c.DefaultBatchSize)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, driver.Job{ID: j.ID, Config: dc})
	}
	return jobs, nil
}
