// Package storage provides SQLite-based persistence for catalog entities
// and pipeline runs.
//
// The storage layer manages:
//   - Current entity state, one row per (entity type, id)
//   - Entity version history
//   - Pipeline run records
//   - The tables of the SQLite search dialect (see package search)
//
// # Database Schema
//
// Tables:
//   - entities: current state; filter columns plus the JSON body
//   - entity_versions: every saved version of an entity
//   - pipeline_runs: run status, stats, cursors and warnings
//   - search_indexes, search_documents: search dialect storage
//   - search_documents_fts: FTS5 full-text index over documents
//
// Timestamps are stored as unix milliseconds.
//
// # Scanning
//
// Scan pages through an entity type in id order. The returned cursor is an
// opaque encoding of the last id read; passing it back continues after that
// id, so a run can resume from a persisted cursor:
//
//	cursor := ""
//	for {
//	    page, err := db.Scan(ctx, "table", types.Filter{}, 100, cursor)
//	    if err != nil {
//	        return err
//	    }
//	    handle(page.Records, page.Errors)
//	    cursor = page.NextCursor
//	    if !page.HasMore {
//	        break
//	    }
//	}
//
// Rows whose JSON body cannot be decoded are reported in ScanResult.Errors
// and do not fail the page.
//
// # Run Records
//
// SaveRunRecord is an upsert that ignores updates once a run has left
// RUNNING, so a late heartbeat can never reopen a finished run.
// MarkStaleRunsStopped closes runs abandoned by a crashed process.
//
// # Build Tags
//
// Pure Go Build (default):
//
//   - Uses modernc.org/sqlite driver
//
//   - No C compiler needed
//
//     CGO_ENABLED=0 go build ./...
//
// CGO Build (sqlite_cgo tag):
//
//   - Uses github.com/mattn/go-sqlite3 driver
//
//   - Requires C compiler and the sqlite_fts5 tag
//
//     CGO_ENABLED=1 go build -tags "sqlite_cgo,sqlite_fts5" ./...
package storage
