package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/insights-pipeline/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline as an MCP server over stdio",
	Long: `Start an MCP server on stdin/stdout exposing run_pipeline, get_run_status,
stop_run, list_runs and search_index. Jobs declared in the config file
can be started by id. Logs go to stderr or the configured log file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	jobs, err := configuredJobs(cfg)
	if err != nil {
		return err
	}
	srv, err := mcp.NewServer(a.driver, a.store, a.backend, mcp.Options{Jobs: jobs, Logger: logger})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	logger.Info("MCP server starting", "name", mcp.ServerName, "version", mcp.ServerVersion, "jobs", len(jobs))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Shutdown()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
