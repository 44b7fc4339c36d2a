package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/insights-pipeline/pkg/types"
)

func workflowNames() []string {
	names := make([]string, 0, len(types.Workflows))
	for _, w := range types.Workflows {
		names = append(names, string(w))
	}
	return names
}

// runPipelineTool returns the tool definition for run_pipeline
func runPipelineTool() mcp.Tool {
	return mcp.Tool{
		Name:        "run_pipeline",
		Description: "Start a reindex or data insights run for a job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Job identifier; a configured job name supplies the defaults",
				},
				"workflow": map[string]interface{}{
					"type":        "string",
					"description": "Workflow to run",
					"enum":        workflowNames(),
					"default":     string(types.WorkflowReindex),
				},
				"entity_types": map[string]interface{}{
					"type":        "array",
					"description": "Entity types to process (default: all types of the workflow)",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
				"batch_size": map[string]interface{}{
					"type":        "integer",
					"description": "Records per batch",
					"minimum":     1,
					"maximum":     10000,
				},
				"recreate_index": map[string]interface{}{
					"type":        "boolean",
					"description": "Drop and recreate destination indexes before writing",
					"default":     false,
				},
				"after_cursor": map[string]interface{}{
					"type":        "string",
					"description": "Start the first entity type after this cursor",
				},
				"backfill_start": map[string]interface{}{
					"type":        "string",
					"description": "First day of the analytics window (YYYY-MM-DD)",
				},
				"backfill_end": map[string]interface{}{
					"type":        "string",
					"description": "Day after the last day of the window (YYYY-MM-DD, default: tomorrow)",
				},
				"resume": map[string]interface{}{
					"type":        "boolean",
					"description": "Continue the last stopped or failed run of the job",
					"default":     false,
				},
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "Block until the run finishes and return its record",
					"default":     false,
				},
			},
			Required: []string{"job_id"},
		},
	}
}

// getRunStatusTool returns the tool definition for get_run_status
func getRunStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_run_status",
		Description: "Get the status and statistics of a run, by run id or the latest run of a job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "string",
					"description": "Run identifier",
				},
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Job identifier; returns its most recent run",
				},
			},
		},
	}
}

// stopRunTool returns the tool definition for stop_run
func stopRunTool() mcp.Tool {
	return mcp.Tool{
		Name:        "stop_run",
		Description: "Stop the running run of a job after its current batch",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Job identifier",
				},
			},
			Required: []string{"job_id"},
		},
	}
}

// listRunsTool returns the tool definition for list_runs
func listRunsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_runs",
		Description: "List recent runs, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Only runs of this job",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of runs to return (1-100)",
					"default":     20,
					"minimum":     1,
					"maximum":     100,
				},
			},
		},
	}
}

// searchIndexTool returns the tool definition for search_index
func searchIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_index",
		Description: "Full-text search over a destination index",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"index": map[string]interface{}{
					"type":        "string",
					"description": "Index name, e.g. table_search_index",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search terms",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of hits (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
			},
			Required: []string{"index", "query"},
		},
	}
}
