// Package workflow drives the batch pipeline: one Source, processor chain
// and Sink per step, in plan order.
//
// # Basic Usage
//
//	plan, err := workflow.BuildPlan(store, workflow.PlanConfig{
//	    Workflow:      types.WorkflowReindex,
//	    EntityTypes:   []string{"table", "topic"},
//	    RecreateIndex: true,
//	})
//
//	orch := workflow.New(store, sink.New(backend, sink.Options{}), backend.Dialect(), workflow.Options{
//	    BatchSize: 100,
//	})
//	res := orch.Execute(ctx, "nightly-reindex", runID, plan, types.JobStats{})
//	fmt.Println(res.State, res.Stats.Job)
//
// # Lifecycle
//
// An execution moves INITIALIZING -> RUNNING -> COMPLETED | FAILED | STOPPED.
//
//  1. INITIALIZING: every step counts its matching records once and
//     registers the count as the step total
//  2. RUNNING: for each step in order, apply its resets, then loop
//     read -> process -> write -> account until the source is exhausted
//  3. After a step's source is exhausted its finalizer, if any, writes
//     aggregate documents under the step "<name>.aggregate"
//
// Cancellation of ctx is checked at the top of each batch. A batch that has
// started is always written, so STOPPED never leaves half a batch behind.
//
// # Accounting
//
// Each record of a batch is either a success or a failure. A record fails
// when it could not be decoded, when a stage reported it in a
// *types.PartialFailure, or when the sink rejected a document built from it.
// A stage error that is not a partial failure fails every record of the
// batch. The run ends FAILED when any step has failures, and immediately on
// a *types.FatalError or a panic, keeping the stats gathered so far.
//
// # Plans
//
// BuildPlan knows five workflows:
//
//	reindex        one step per entity type into <prefix><type>_search_index
//	data_assets    daily snapshots with ownership and tier into di_data_assets
//	cost_analysis  per-table size and usage plus schema rollups
//	data_quality   test case results of the window
//	web_analytics  web analytic events of the window
//
// The analytics workflows clear the time range they rewrite before the
// first write, so running the same day twice converges to the same
// documents.
package workflow
