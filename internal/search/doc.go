// Package search implements the destinations the pipeline writes into.
//
// A Backend owns named indexes of documents keyed by id. Two dialects are
// provided and selected by the Dialect enum:
//
//   - SQLiteBackend keeps documents in the search_documents table with an
//     FTS5 index over their text, sharing the storage database.
//   - SurrealBackend keeps each index as a SurrealDB table, reached over an
//     auto-reconnecting WebSocket.
//
// BulkWrite is an upsert: writing a document id twice leaves one document.
// Per-document failures are returned as rejections in BulkResult and are a
// normal outcome; an error return means the backend could not serve the
// request at all.
//
// Analytics indexes are reset for a day by deleting the documents whose
// timestamp falls in [start, end):
//
//	n, err := backend.DeleteByTimeRange(ctx, "di_data_assets", day, day.Add(24*time.Hour))
package search
