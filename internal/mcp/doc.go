// Package mcp implements the Model Context Protocol (MCP) server that lets a
// scheduler or an assistant drive the pipeline.
//
// The server exposes these tools:
//   - run_pipeline: Start a reindex or data insights run for a job
//   - get_run_status: Status and statistics of a run
//   - stop_run: Stop a running job after its current batch
//   - list_runs: Recent run history
//   - search_index: Full-text search over a destination index (only when
//     the configured backend can search)
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout is reserved for the protocol.
//
// # Tool: run_pipeline
//
//	Request:
//	{
//	  "name": "run_pipeline",
//	  "arguments": {
//	    "job_id": "nightly-cost",
//	    "workflow": "cost_analysis",
//	    "backfill_start": "2024-06-01",
//	    "wait": true
//	  }
//	}
//
//	Response:
//	{
//	  "run_id": "5b0c...",
//	  "job_id": "nightly-cost",
//	  "status": "COMPLETED",
//	  "statistics": {
//	    "job": {"total": 1200, "success": 1200, "failed": 0},
//	    "steps": {
//	      "table": {"total": 1200, "success": 1200, "failed": 0},
//	      "table.aggregate": {"total": 40, "success": 40, "failed": 0}
//	    },
//	    "success_rate": "1.0000"
//	  }
//	}
//
// Without "wait" the run starts in the background and the response only
// acknowledges it; follow it with get_run_status using the job_id. A job
// id matching a configured job takes that job's settings as defaults.
//
// # Error Codes
//
//	-32602  Invalid params (unknown workflow, bad cursor or window)
//	-32603  Internal error
//	-32001  A run of the job is already in progress
//	-32002  Run not found
//	-32003  Job is not running (stop_run)
//	-32004  Empty search query
//	-32005  Search failed
//
// A run that ends FAILED is not a tool error: the record carries the
// failure message, the failing step and its stack trace.
package mcp
