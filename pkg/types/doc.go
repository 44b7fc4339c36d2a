// Package types provides shared type definitions for the insights pipeline.
//
// This package defines the domain values that move between the pipeline
// components: entity records and batches read from the catalog, the
// statistics counted for every step, run records persisted at each
// heartbeat and the backfill window of analytics runs.
//
// # Records and Batches
//
// EntityRecord is an immutable snapshot of one catalog entity. A Source
// returns records grouped in a Batch together with the ids of the rows
// that could not be decoded:
//
//	batch := types.Batch{
//	    EntityType: "table",
//	    Records:    records,
//	    Errors:     []types.RecordError{{ID: "t-7", Message: "bad json"}},
//	}
//
// A batch with errors is still processed; the errors count as failed records.
//
// # Statistics
//
// StepStats holds total/success/failed counters for one step. JobStats
// holds the counters of every step plus the synthesized job totals:
//
//	stats.Job.Total == sum of stats.Steps[*].Total
//
// # Run Records
//
// RunRecord is the persisted state of one run. Its status starts as
// RUNNING and becomes COMPLETED, FAILED or STOPPED exactly once.
//
// # Errors
//
// PartialFailure is recoverable: a stage handled part of its input and the
// run continues. FatalError aborts the remaining work of the run:
//
//	if types.IsFatal(err) {
//	    return err
//	}
//	if pf, ok := types.AsPartial(err); ok {
//	    stats.Failed += pf.Failed
//	}
package types
