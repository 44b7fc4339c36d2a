package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dshills/insights-pipeline/pkg/types"
)

// TextField is the body field the SQLite dialect indexes for full-text search
const TextField = "_text"

// SQLiteBackend stores indexes as rows of the search_documents table.
// The schema is created by the storage migrations.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a backend over an already migrated database
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Dialect() Dialect { return DialectSQLite }

// Close is a no-op; the database handle belongs to the storage layer
func (b *SQLiteBackend) Close() error { return nil }

func (b *SQLiteBackend) IndexExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, "SELECT 1 FROM search_indexes WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	return true, nil
}

func (b *SQLiteBackend) CreateIndex(ctx context.Context, name string) error {
	if err := ValidateIndexName(name); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO search_indexes (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteIndex(ctx context.Context, name string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM search_documents WHERE index_name = ?", name); err != nil {
		return fmt.Errorf("failed to delete documents of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM search_indexes WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}
	return tx.Commit()
}

// BulkWrite upserts documents by id in one transaction. A missing index is
// created on first write.
func (b *SQLiteBackend) BulkWrite(ctx context.Context, name string, docs []Document) (*BulkResult, error) {
	if err := b.CreateIndex(ctx, name); err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin bulk write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO search_documents (index_name, doc_id, ts, body, search_text)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(index_name, doc_id) DO UPDATE SET
			ts = excluded.ts,
			body = excluded.body,
			search_text = excluded.search_text
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare bulk write: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	result := &BulkResult{}
	reject := func(doc Document, reason string) {
		result.Rejected = append(result.Rejected, Rejection{ID: doc.ID, SourceID: doc.SourceID, Reason: reason})
	}

	for _, doc := range docs {
		if doc.ID == "" {
			reject(doc, "missing document id")
			continue
		}
		body, err := json.Marshal(doc.Body)
		if err != nil {
			reject(doc, err.Error())
			continue
		}
		var ts sql.NullInt64
		if !doc.Timestamp.IsZero() {
			ts = sql.NullInt64{Int64: doc.Timestamp.UnixMilli(), Valid: true}
		}
		// A failed statement only rolls back itself, the transaction stays usable
		if _, err := stmt.ExecContext(ctx, name, doc.ID, ts, string(body), searchText(doc.Body)); err != nil {
			reject(doc, err.Error())
			continue
		}
		result.Accepted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk write: %w", err)
	}
	return result, nil
}

// searchText returns the explicit text field or the string values of the body
func searchText(body map[string]any) string {
	if s, ok := body[TextField].(string); ok {
		return s
	}
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if s, ok := body[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (b *SQLiteBackend) DeleteByTimeRange(ctx context.Context, name string, start, end time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM search_documents WHERE index_name = ? AND ts >= ? AND ts < ?",
		name, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete range of %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *SQLiteBackend) Count(ctx context.Context, name string) (int, error) {
	exists, err := b.IndexExists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", types.ErrIndexNotFound, name)
	}
	var count int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM search_documents WHERE index_name = ?", name).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", name, err)
	}
	return count, nil
}

// Get returns the stored body of one document
func (b *SQLiteBackend) Get(ctx context.Context, name, id string) (map[string]any, error) {
	var body string
	err := b.db.QueryRowContext(ctx,
		"SELECT body FROM search_documents WHERE index_name = ? AND doc_id = ?", name, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s not found in %s", id, name)
	}
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Search runs a BM25-ranked full-text query against one index
func (b *SQLiteBackend) Search(ctx context.Context, name, query string, limit int) ([]Hit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT d.doc_id, d.body, bm25(search_documents_fts) AS score
		FROM search_documents_fts
		INNER JOIN search_documents d ON search_documents_fts.rowid = d.id
		WHERE search_documents_fts MATCH ?
		AND d.index_name = ?
		ORDER BY score LIMIT ?`, match, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var (
			hit  Hit
			body string
		)
		if err := rows.Scan(&hit.ID, &body, &hit.Score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &hit.Body); err != nil {
			return nil, err
		}
		// bm25 is lower-is-better; flip so callers sort descending
		hit.Score = -hit.Score
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// ftsQuery quotes every term so FTS5 operators in user input are literal
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
