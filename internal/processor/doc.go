// Package processor implements the transformation stages between a Source
// and a Sink.
//
// A stage is a Processor[In, Out]; Chain composes two stages so the output
// of one is the input of the next. Stages may expand their input (one
// record into a snapshot per day) or collapse it (facts into per-schema
// aggregates), so In and Out are independent types.
//
// Every stage receives the run's RunContext. Document-producing stages shape
// bodies through the Shaper of the run's dialect, chosen by ShaperFor.
//
// # Failures
//
// A stage that fails for some records returns the output of the others
// together with a *types.PartialFailure naming the failed entity ids. Any
// other error means the whole batch failed.
//
// # Workflows
//
//	reindex:       ReindexDocuments
//	data assets:   ExplodeDailySnapshots -> Enricher -> SnapshotDocuments
//	cost analysis: CostFacts -> AccumulateCost, then CostRollup.Finalize
//	time series:   TimeSeriesDocuments
package processor
