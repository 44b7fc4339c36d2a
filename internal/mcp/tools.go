package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/insights-pipeline/internal/config"
	"github.com/dshills/insights-pipeline/internal/driver"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeRunInProgress = -32001 // The job already has a run in progress
	ErrorCodeRunNotFound   = -32002 // No run matches the given id
	ErrorCodeNotRunning    = -32003 // stop_run on a job that is not running
	ErrorCodeEmptyQuery    = -32004 // Query parameter is empty
	ErrorCodeSearchFailed  = -32005 // The backend rejected the search
)

const (
	maxBatchSize       = 10000
	defaultListLimit   = 20
	defaultSearchLimit = 10
)

// handleRunPipeline handles the run_pipeline tool invocation
func (s *Server) handleRunPipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	jobID := getStringDefault(args, "job_id", "")
	if jobID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "job_id parameter is required", map[string]interface{}{
			"param":  "job_id",
			"reason": "missing or empty",
		})
	}

	cfg, err := s.runConfig(jobID, args)
	if err != nil {
		return nil, err
	}

	if getBoolDefault(args, "wait", false) {
		rec, err := s.driver.Run(ctx, jobID, cfg)
		if err != nil {
			return nil, runError(err)
		}
		return mcp.NewToolResultText(formatJSON(formatRecord(rec, false))), nil
	}

	if slices.Contains(s.driver.Active(), jobID) {
		return nil, runError(fmt.Errorf("%w: %s", types.ErrRunInProgress, jobID))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rec, err := s.driver.Run(s.base, jobID, cfg)
		if err != nil {
			s.logger.Error("background run failed to start", "job_id", jobID, "error", err)
			return
		}
		s.logger.Info("background run finished", "job_id", jobID, "run_id", rec.RunID, "status", rec.Status)
	}()

	response := map[string]interface{}{
		"started":  true,
		"job_id":   jobID,
		"workflow": string(cfg.Workflow),
		"message":  "Run started. Use get_run_status with this job_id to follow it.",
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// runConfig merges tool arguments over the named job's configuration
func (s *Server) runConfig(jobID string, args map[string]interface{}) (driver.Config, error) {
	cfg := s.jobs[jobID]
	cfg.EntityTypes = slices.Clone(cfg.EntityTypes)
	if cfg.Workflow == "" {
		cfg.Workflow = types.WorkflowReindex
	}

	if name := getStringDefault(args, "workflow", ""); name != "" {
		wf, err := types.ParseWorkflow(name)
		if err != nil {
			return cfg, newMCPError(ErrorCodeInvalidParams, "invalid workflow", map[string]interface{}{
				"param":   "workflow",
				"value":   name,
				"allowed": workflowNames(),
			})
		}
		cfg.Workflow = wf
	}
	if entityTypes := getStringSlice(args, "entity_types"); len(entityTypes) > 0 {
		cfg.EntityTypes = entityTypes
	}
	if _, ok := args["batch_size"]; ok {
		n := getIntDefault(args, "batch_size", 0)
		if n < 1 || n > maxBatchSize {
			return cfg, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("batch_size must be between 1 and %d", maxBatchSize), map[string]interface{}{
				"param": "batch_size",
				"value": n,
			})
		}
		cfg.BatchSize = n
	}
	cfg.RecreateIndex = getBoolDefault(args, "recreate_index", cfg.RecreateIndex)
	cfg.Resume = getBoolDefault(args, "resume", cfg.Resume)

	if cursor := getStringDefault(args, "after_cursor", ""); cursor != "" {
		if _, err := storage.DecodeCursor(cursor); err != nil {
			return cfg, newMCPError(ErrorCodeInvalidParams, "invalid after_cursor", map[string]interface{}{
				"param":  "after_cursor",
				"reason": err.Error(),
			})
		}
		cfg.AfterCursor = cursor
	}

	start, end := getStringDefault(args, "backfill_start", ""), getStringDefault(args, "backfill_end", "")
	if start != "" || end != "" {
		w, err := config.ParseWindow(start, end)
		if err != nil {
			return cfg, newMCPError(ErrorCodeInvalidParams, "invalid backfill window", map[string]interface{}{
				"param":  "backfill_start",
				"reason": err.Error(),
			})
		}
		cfg.BackfillWindow = w
	}
	return cfg, nil
}

// handleGetRunStatus handles the get_run_status tool invocation
func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	runID := getStringDefault(args, "run_id", "")
	jobID := getStringDefault(args, "job_id", "")

	var (
		rec *types.RunRecord
		err error
	)
	switch {
	case runID != "":
		rec, err = s.runs.GetRunRecord(ctx, runID)
	case jobID != "":
		rec, err = s.runs.LoadRunRecord(ctx, jobID)
	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "run_id or job_id is required", map[string]interface{}{
			"param":  "run_id",
			"reason": "missing or empty",
		})
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newMCPError(ErrorCodeRunNotFound, "run not found", map[string]interface{}{
			"run_id": runID,
			"job_id": jobID,
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to load run", map[string]interface{}{
			"error": err.Error(),
		})
	}

	active := rec.Status == types.RunStatusRunning && slices.Contains(s.driver.Active(), rec.JobID)
	return mcp.NewToolResultText(formatJSON(formatRecord(rec, active))), nil
}

// handleStopRun handles the stop_run tool invocation
func (s *Server) handleStopRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	jobID := getStringDefault(args, "job_id", "")
	if jobID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "job_id parameter is required", map[string]interface{}{
			"param":  "job_id",
			"reason": "missing or empty",
		})
	}

	if !s.driver.Stop(jobID) {
		return nil, newMCPError(ErrorCodeNotRunning, "job is not running", map[string]interface{}{
			"job_id": jobID,
		})
	}

	response := map[string]interface{}{
		"stopping": true,
		"job_id":   jobID,
		"message":  "The run stops after its current batch.",
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListRuns handles the list_runs tool invocation
func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	limit := getIntDefault(args, "limit", defaultListLimit)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	records, err := s.runs.ListRunRecords(ctx, getStringDefault(args, "job_id", ""), limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list runs", map[string]interface{}{
			"error": err.Error(),
		})
	}

	runs := make([]interface{}, 0, len(records))
	for _, rec := range records {
		runs = append(runs, formatRecord(rec, false))
	}
	response := map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchIndex handles the search_index tool invocation
func (s *Server) handleSearchIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	index := getStringDefault(args, "index", "")
	if err := search.ValidateIndexName(index); err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid index", map[string]interface{}{
			"param":  "index",
			"reason": err.Error(),
		})
	}

	query := getStringDefault(args, "query", "")
	if query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", defaultSearchLimit)
	if limit < 1 || limit > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	searcher, ok := s.backend.(search.Searcher)
	if !ok {
		return nil, newMCPError(ErrorCodeSearchFailed, "backend does not support search", nil)
	}
	hits, err := searcher.Search(ctx, index, query, limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeSearchFailed, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	results := make([]interface{}, 0, len(hits))
	for i, h := range hits {
		results = append(results, map[string]interface{}{
			"rank":  i + 1,
			"id":    h.ID,
			"score": h.Score,
			"body":  h.Body,
		})
	}
	response := map[string]interface{}{
		"index":   index,
		"query":   query,
		"results": results,
		"count":   len(results),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// runError maps driver errors to MCP errors
func runError(err error) error {
	switch {
	case errors.Is(err, types.ErrRunInProgress):
		return newMCPError(ErrorCodeRunInProgress, "a run of this job is already in progress", map[string]interface{}{
			"error": err.Error(),
		})
	case errors.Is(err, types.ErrUnknownWorkflow),
		errors.Is(err, types.ErrInvalidCursor),
		errors.Is(err, types.ErrInvalidWindow):
		return newMCPError(ErrorCodeInvalidParams, "invalid run configuration", map[string]interface{}{
			"error": err.Error(),
		})
	default:
		return newMCPError(ErrorCodeInternalError, "run failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// formatRecord renders a run record for tool output
func formatRecord(rec *types.RunRecord, active bool) map[string]interface{} {
	steps := make(map[string]interface{}, len(rec.Stats.Steps))
	for _, name := range rec.Stats.StepNames() {
		steps[name] = formatStepStats(rec.Stats.Steps[name])
	}

	out := map[string]interface{}{
		"run_id":     rec.RunID,
		"job_id":     rec.JobID,
		"workflow":   string(rec.Workflow),
		"status":     string(rec.Status),
		"started_at": rec.StartedAt.Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
		"statistics": map[string]interface{}{
			"job":          formatStepStats(rec.Stats.Job),
			"steps":        steps,
			"success_rate": fmt.Sprintf("%.4f", rec.Stats.SuccessRate()),
		},
		"duration_ms": rec.Duration().Milliseconds(),
	}
	if active {
		out["active"] = true
	}
	if rec.EndedAt != nil {
		out["ended_at"] = rec.EndedAt.Format(time.RFC3339)
	}
	if rec.Failure != nil {
		out["failure"] = map[string]interface{}{
			"message":     rec.Failure.Message,
			"step":        rec.Failure.Step,
			"stack_trace": rec.Failure.StackTrace,
		}
	}
	if len(rec.Cursors) > 0 {
		out["cursors"] = rec.Cursors
	}
	if len(rec.Warnings) > 0 {
		out["warnings"] = rec.Warnings
	}
	return out
}

func formatStepStats(s types.StepStats) map[string]interface{} {
	return map[string]interface{}{
		"total":   s.Total,
		"success": s.Success,
		"failed":  s.Failed,
	}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts a string array parameter, skipping non-strings
func getStringSlice(args map[string]interface{}, key string) []string {
	switch val := args[key].(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
