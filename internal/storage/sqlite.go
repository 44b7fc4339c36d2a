package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/insights-pipeline/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity or run doesn't exist
	ErrNotFound = errors.New("not found")
)

// SQLiteStorage implements Storage using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the SQLite search dialect can share it
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Entity operations

// whereClause builds the WHERE clause shared by CountMatching and Scan
func whereClause(entityType string, filter types.Filter) (string, []interface{}) {
	conds := []string{"entity_type = ?"}
	args := []interface{}{entityType}

	if !filter.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if filter.Service != "" {
		conds = append(conds, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Database != "" {
		conds = append(conds, "database_name = ?")
		args = append(args, filter.Database)
	}
	if len(filter.ServiceTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.ServiceTypes)), ",")
		conds = append(conds, "service_type IN ("+placeholders+")")
		for _, st := range filter.ServiceTypes {
			args = append(args, st)
		}
	}
	if filter.Window != nil {
		conds = append(conds, "updated_at >= ? AND updated_at < ?")
		args = append(args, toMillis(filter.Window.Start), toMillis(filter.Window.End))
	}

	return strings.Join(conds, " AND "), args
}

// CountMatching returns the number of records matching the filter
func (s *SQLiteStorage) CountMatching(ctx context.Context, entityType string, filter types.Filter) (int, error) {
	where, args := whereClause(entityType, filter)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", entityType, err)
	}
	return count, nil
}

// Scan pages through matching records by id. One extra row is fetched to
// know whether another page exists.
func (s *SQLiteStorage) Scan(ctx context.Context, entityType string, filter types.Filter, batchSize int, cursor string) (*ScanResult, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	afterID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	where, args := whereClause(entityType, filter)
	query := "SELECT id, version, updated_at, data FROM entities WHERE " + where + " AND id > ? ORDER BY id LIMIT ?"
	args = append(args, afterID, batchSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", entityType, err)
	}
	defer func() { _ = rows.Close() }()

	result := &ScanResult{}
	lastID := afterID
	seen := 0
	for rows.Next() {
		if seen == batchSize {
			result.HasMore = true
			break
		}
		seen++

		var (
			id        string
			version   float64
			updatedAt int64
			data      string
		)
		if err := rows.Scan(&id, &version, &updatedAt, &data); err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", entityType, err)
		}
		lastID = id

		rec, err := decodeRecord(entityType, id, version, updatedAt, data)
		if err != nil {
			result.Errors = append(result.Errors, types.RecordError{ID: id, Message: err.Error()})
			continue
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", entityType, err)
	}

	result.NextCursor = EncodeCursor(lastID)
	return result, nil
}

// decodeRecord rebuilds a record from its JSON body. Key columns win over the body.
func decodeRecord(entityType, id string, version float64, updatedAt int64, data string) (types.EntityRecord, error) {
	var rec types.EntityRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return types.EntityRecord{}, fmt.Errorf("failed to decode record: %w", err)
	}
	rec.EntityType = entityType
	rec.ID = id
	rec.Version = version
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// GetRecord loads the current state of one entity
func (s *SQLiteStorage) GetRecord(ctx context.Context, entityType, id string) (*types.EntityRecord, error) {
	var (
		version   float64
		updatedAt int64
		data      string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT version, updated_at, data FROM entities WHERE entity_type = ? AND id = ?",
		entityType, id).Scan(&version, &updatedAt, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(entityType, id, version, updatedAt, data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListVersionsSince returns the version in force at window start plus every
// version saved inside the window
func (s *SQLiteStorage) ListVersionsSince(ctx context.Context, entityType, id string, window types.BackfillWindow) ([]types.EntityVersion, error) {
	query := `
		SELECT version, updated_at, data FROM (
			SELECT version, updated_at, data FROM entity_versions
			WHERE entity_type = ? AND id = ? AND updated_at < ?
			ORDER BY updated_at DESC, version DESC
			LIMIT 1
		)
		UNION ALL
		SELECT version, updated_at, data FROM entity_versions
		WHERE entity_type = ? AND id = ? AND updated_at >= ? AND updated_at < ?
		ORDER BY updated_at, version
	`
	start, end := toMillis(window.Start), toMillis(window.End)
	rows, err := s.db.QueryContext(ctx, query, entityType, id, start, entityType, id, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s/%s: %w", entityType, id, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []types.EntityVersion
	for rows.Next() {
		var (
			version   float64
			updatedAt int64
			data      string
		)
		if err := rows.Scan(&version, &updatedAt, &data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(entityType, id, version, updatedAt, data)
		if err != nil {
			return nil, fmt.Errorf("version %.1f of %s/%s: %w", version, entityType, id, err)
		}
		versions = append(versions, types.EntityVersion{
			Version:   version,
			UpdatedAt: rec.UpdatedAt,
			Record:    rec,
		})
	}
	return versions, rows.Err()
}

// normalize fills the defaults a stored record needs
func normalize(record types.EntityRecord) (types.EntityRecord, error) {
	if record.EntityType == "" || record.ID == "" {
		return record, fmt.Errorf("entity type and id are required")
	}
	if record.Version == 0 {
		record.Version = 0.1
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	return record, nil
}

func upsertEntityWithQuerier(ctx context.Context, q querier, record types.EntityRecord, data []byte) error {
	query := `
		INSERT INTO entities (entity_type, id, version, updated_at, service, service_type, database_name, schema_name, deleted, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			service = excluded.service,
			service_type = excluded.service_type,
			database_name = excluded.database_name,
			schema_name = excluded.schema_name,
			deleted = excluded.deleted,
			data = excluded.data
	`
	_, err := q.ExecContext(ctx, query,
		record.EntityType, record.ID, record.Version, toMillis(record.UpdatedAt),
		record.Service, record.ServiceType, record.Database, record.Schema,
		record.Deleted, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", record.Key(), err)
	}
	return nil
}

func addVersionWithQuerier(ctx context.Context, q querier, record types.EntityRecord, data []byte) error {
	query := `
		INSERT INTO entity_versions (entity_type, id, version, updated_at, deleted, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id, version) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			data = excluded.data
	`
	_, err := q.ExecContext(ctx, query,
		record.EntityType, record.ID, record.Version, toMillis(record.UpdatedAt),
		record.Deleted, string(data))
	if err != nil {
		return fmt.Errorf("failed to add version %.1f of %s: %w", record.Version, record.Key(), err)
	}
	return nil
}

// UpsertEntity stores the current state of an entity and records it as a version
func (s *SQLiteStorage) UpsertEntity(ctx context.Context, record types.EntityRecord) error {
	record, err := normalize(record)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode entity %s: %w", record.Key(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertEntityWithQuerier(ctx, tx, record, data); err != nil {
		return err
	}
	if err := addVersionWithQuerier(ctx, tx, record, data); err != nil {
		return err
	}
	return tx.Commit()
}

// AddVersion records a historical version without touching the current state
func (s *SQLiteStorage) AddVersion(ctx context.Context, record types.EntityRecord) error {
	record, err := normalize(record)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode entity %s: %w", record.Key(), err)
	}
	return addVersionWithQuerier(ctx, s.db, record, data)
}

// Run operations

// SaveRunRecord inserts or updates a run. The WHERE on the conflict clause
// leaves terminal runs untouched.
func (s *SQLiteStorage) SaveRunRecord(ctx context.Context, record *types.RunRecord) error {
	stats, err := json.Marshal(record.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	failure, err := marshalNullable(record.Failure != nil, record.Failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	cursors, err := marshalNullable(len(record.Cursors) > 0, record.Cursors)
	if err != nil {
		return fmt.Errorf("failed to encode cursors: %w", err)
	}
	warnings, err := marshalNullable(len(record.Warnings) > 0, record.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}
	var endedAt sql.NullInt64
	if record.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: toMillis(*record.EndedAt), Valid: true}
	}

	query := `
		INSERT INTO pipeline_runs (run_id, job_id, workflow, status, stats, failure, cursors, warnings, started_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			stats = excluded.stats,
			failure = excluded.failure,
			cursors = excluded.cursors,
			warnings = excluded.warnings,
			updated_at = excluded.updated_at,
			ended_at = excluded.ended_at
		WHERE pipeline_runs.status = 'RUNNING'
	`
	_, err = s.db.ExecContext(ctx, query,
		record.RunID, record.JobID, string(record.Workflow), string(record.Status),
		string(stats), failure, cursors, warnings,
		toMillis(record.StartedAt), toMillis(record.UpdatedAt), endedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", record.RunID, err)
	}
	return nil
}

func marshalNullable(valid bool, v interface{}) (sql.NullString, error) {
	if !valid {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const runColumns = `run_id, job_id, workflow, status, stats, failure, cursors, warnings, started_at, updated_at, ended_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*types.RunRecord, error) {
	var (
		rec                        types.RunRecord
		workflow, status, stats    string
		failure, cursors, warnings sql.NullString
		startedAt, updatedAt       int64
		endedAt                    sql.NullInt64
	)
	if err := row.Scan(&rec.RunID, &rec.JobID, &workflow, &status, &stats,
		&failure, &cursors, &warnings, &startedAt, &updatedAt, &endedAt); err != nil {
		return nil, err
	}

	rec.Workflow = types.Workflow(workflow)
	rec.Status = types.RunStatus(status)
	rec.StartedAt = fromMillis(startedAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		rec.EndedAt = &t
	}

	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats of run %s: %w", rec.RunID, err)
	}
	if failure.Valid {
		rec.Failure = &types.FailureContext{}
		if err := json.Unmarshal([]byte(failure.String), rec.Failure); err != nil {
			return nil, fmt.Errorf("failed to decode failure of run %s: %w", rec.RunID, err)
		}
	}
	if cursors.Valid {
		if err := json.Unmarshal([]byte(cursors.String), &rec.Cursors); err != nil {
			return nil, fmt.Errorf("failed to decode cursors of run %s: %w", rec.RunID, err)
		}
	}
	if warnings.Valid {
		if err := json.Unmarshal([]byte(warnings.String), &rec.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings of run %s: %w", rec.RunID, err)
		}
	}
	return &rec, nil
}

// LoadRunRecord returns the most recently started run of a job
func (s *SQLiteStorage) LoadRunRecord(ctx context.Context, jobID string) (*types.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM pipeline_runs WHERE job_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1", jobID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetRunRecord returns one run by id
func (s *SQLiteStorage) GetRunRecord(ctx context.Context, runID string) (*types.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM pipeline_runs WHERE run_id = ?", runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// MarkStaleRunsStopped closes runs left RUNNING by a crashed process
func (s *SQLiteStorage) MarkStaleRunsStopped(ctx context.Context, jobID string) (int, error) {
	now := toMillis(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = ?, updated_at = ?, ended_at = ?
		WHERE job_id = ? AND status = ?`,
		string(types.RunStatusStopped), now, now, jobID, string(types.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs of %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListRunRecords returns runs newest first
func (s *SQLiteStorage) ListRunRecords(ctx context.Context, jobID string, limit int) ([]*types.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT " + runColumns + " FROM pipeline_runs"
	args := []interface{}{}
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}
