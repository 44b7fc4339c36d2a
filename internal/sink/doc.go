// Package sink writes shaped documents to a search backend.
//
// A BulkSink groups each batch by target index, splits it into bulk
// requests of at most MaxBulkDocs documents and throttles requests with a
// token bucket. Backend-level failures are retried with exponential backoff;
// once retries are exhausted the write fails with a *types.FatalError that
// wraps types.ErrDestinationUnreachable. Documents the backend refuses are
// not errors: they are reported in WriteResult so the caller can count the
// records they came from as failed.
//
// Writes run detached from the caller's cancellation, so a stop request
// takes effect between batches and never in the middle of one.
//
// Before a step writes, the orchestrator applies its reset actions:
//
//	s.Reset(ctx, sink.Recreate("table_search_index"))
//	s.Reset(ctx, sink.TimeRange("di_data_assets", start, end))
package sink
