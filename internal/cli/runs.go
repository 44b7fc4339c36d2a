package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/insights-pipeline/internal/storage"
)

var (
	runsJob   string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show run history",
	Long: `List recent runs, newest first, or show one run in detail.

Examples:
  pipeline runs
  pipeline runs --job nightly --limit 5
  pipeline runs 3f1c2a9e-5d7b-4c1e-9a43-0c6f1d2b8e71`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsJob, "job", "j", "", "only runs of this job")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum number of runs")
}

func runRuns(cmd *cobra.Command, args []string) error {
	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rec, err := store.GetRunRecord(ctx, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}
		printRecord(out, rec)
		return nil
	}

	if runsLimit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", runsLimit)
	}
	records, err := store.ListRunRecords(ctx, runsJob, runsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	printRunTable(out, records)
	return nil
}
