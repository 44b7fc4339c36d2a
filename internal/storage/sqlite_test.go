package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/insights-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func seedTables(t *testing.T, s *SQLiteStorage, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		serviceType := "Mysql"
		if i%2 == 0 {
			serviceType = "Snowflake"
		}
		err := s.UpsertEntity(ctx, types.EntityRecord{
			ID:          fmt.Sprintf("t-%04d", i),
			EntityType:  "table",
			Name:        fmt.Sprintf("table_%d", i),
			Service:     "warehouse",
			ServiceType: serviceType,
			UpdatedAt:   base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.DB())

	var version string
	err := storage.DB().QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, storage.DB()))

	var count int
	require.NoError(t, storage.DB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, len(AllMigrations), count)
}

func TestRollbackMigration(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, storage.DB()))

	var name string
	err := storage.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='search_documents'").Scan(&name)
	assert.Error(t, err)

	// Re-applying brings the search tables back
	require.NoError(t, ApplyMigrations(ctx, storage.DB()))
	err = storage.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='search_documents'").Scan(&name)
	assert.NoError(t, err)
}

func TestScanPagination(t *testing.T) {
	storage := setupTestDB(t)
	seedTables(t, storage, 250)
	ctx := context.Background()

	total, err := storage.CountMatching(ctx, "table", types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 250, total)

	var sizes []int
	seen := map[string]bool{}
	cursor := ""
	for {
		page, err := storage.Scan(ctx, "table", types.Filter{}, 100, cursor)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Records))
		for _, rec := range page.Records {
			assert.False(t, seen[rec.ID], "duplicate %s", rec.ID)
			seen[rec.ID] = true
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	assert.Equal(t, []int{100, 100, 50}, sizes)
	assert.Len(t, seen, 250)
}

func TestScanResumeFromCursor(t *testing.T) {
	storage := setupTestDB(t)
	seedTables(t, storage, 30)
	ctx := context.Background()

	first, err := storage.Scan(ctx, "table", types.Filter{}, 10, "")
	require.NoError(t, err)

	// Replaying the same cursor yields the same next page
	a, err := storage.Scan(ctx, "table", types.Filter{}, 10, first.NextCursor)
	require.NoError(t, err)
	b, err := storage.Scan(ctx, "table", types.Filter{}, 10, first.NextCursor)
	require.NoError(t, err)

	assert.Equal(t, "t-0010", a.Records[0].ID)
	assert.Equal(t, a.Records, b.Records)
	assert.Equal(t, a.NextCursor, b.NextCursor)
}

func TestScanInvalidCursor(t *testing.T) {
	storage := setupTestDB(t)
	_, err := storage.Scan(context.Background(), "table", types.Filter{}, 10, "%%%")
	assert.True(t, errors.Is(err, types.ErrInvalidCursor))
}

func TestScanDecodeFailure(t *testing.T) {
	storage := setupTestDB(t)
	seedTables(t, storage, 10)
	ctx := context.Background()

	_, err := storage.DB().Exec("UPDATE entities SET data = '{broken' WHERE id = 't-0006'")
	require.NoError(t, err)

	page, err := storage.Scan(ctx, "table", types.Filter{}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 9)
	require.Len(t, page.Errors, 1)
	assert.Equal(t, "t-0006", page.Errors[0].ID)
	assert.False(t, page.HasMore)
}

func TestScanFilters(t *testing.T) {
	storage := setupTestDB(t)
	seedTables(t, storage, 48)
	ctx := context.Background()

	count, err := storage.CountMatching(ctx, "table", types.Filter{ServiceTypes: []string{"Snowflake", "BigQuery"}})
	require.NoError(t, err)
	assert.Equal(t, 24, count)

	window := types.DayWindow(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	count, err = storage.CountMatching(ctx, "table", types.Filter{Window: &window})
	require.NoError(t, err)
	assert.Equal(t, 24, count)

	page, err := storage.Scan(ctx, "table", types.Filter{Window: &window, ServiceTypes: []string{"Mysql"}}, 100, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 12)
	for _, rec := range page.Records {
		assert.Equal(t, "Mysql", rec.ServiceType)
		assert.True(t, window.Contains(rec.UpdatedAt))
	}

	// Deleted entities are skipped unless asked for
	require.NoError(t, storage.UpsertEntity(ctx, types.EntityRecord{ID: "t-0000", EntityType: "table", Deleted: true, Version: 0.2}))
	count, err = storage.CountMatching(ctx, "table", types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 47, count)
	count, err = storage.CountMatching(ctx, "table", types.Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 48, count)
}

func TestGetRecord(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	err := storage.UpsertEntity(ctx, types.EntityRecord{
		ID:         "u-1",
		EntityType: "user",
		Name:       "alice",
		Fields:     map[string]any{"teams": []any{"data-platform"}},
	})
	require.NoError(t, err)

	rec, err := storage.GetRecord(ctx, "user", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Name)
	assert.Equal(t, 0.1, rec.Version)
	assert.Equal(t, []any{"data-platform"}, rec.Field("teams"))

	_, err = storage.GetRecord(ctx, "user", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListVersionsSince(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 6, d, 12, 0, 0, 0, time.UTC) }

	for i, d := range []int{1, 3, 5, 9} {
		err := storage.AddVersion(ctx, types.EntityRecord{
			ID:         "t-1",
			EntityType: "table",
			Version:    0.1 * float64(i+1),
			UpdatedAt:  day(d),
		})
		require.NoError(t, err)
	}

	window := types.BackfillWindow{
		Start: time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
	}
	versions, err := storage.ListVersionsSince(ctx, "table", "t-1", window)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, day(3), versions[0].UpdatedAt) // in force at window start
	assert.Equal(t, day(5), versions[1].UpdatedAt)
}

func newRun(jobID, runID string, started time.Time) *types.RunRecord {
	return &types.RunRecord{
		RunID:     runID,
		JobID:     jobID,
		Workflow:  types.WorkflowReindex,
		Status:    types.RunStatusRunning,
		Stats:     types.JobStats{Steps: map[string]types.StepStats{"table": {Total: 10}}},
		StartedAt: started,
		UpdatedAt: started,
	}
}

func TestSaveRunRecordTerminalIsFrozen(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	run := newRun("job-1", "run-1", now)
	require.NoError(t, storage.SaveRunRecord(ctx, run))

	run.Status = types.RunStatusFailed
	run.Failure = &types.FailureContext{Message: "boom", Step: "table"}
	run.Cursors = map[string]string{"table": EncodeCursor("t-0005")}
	run.Warnings = []string{"window clamped"}
	ended := now.Add(time.Second)
	run.EndedAt = &ended
	require.NoError(t, storage.SaveRunRecord(ctx, run))

	// A late heartbeat must not reopen the run
	late := newRun("job-1", "run-1", now)
	require.NoError(t, storage.SaveRunRecord(ctx, late))

	got, err := storage.GetRunRecord(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Failure.Message)
	assert.Equal(t, run.Cursors, got.Cursors)
	assert.Equal(t, []string{"window clamped"}, got.Warnings)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, ended, *got.EndedAt)
}

func TestMarkStaleRunsStopped(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, storage.SaveRunRecord(ctx, newRun("job-1", "run-1", now.Add(-time.Hour))))
	require.NoError(t, storage.SaveRunRecord(ctx, newRun("job-2", "run-2", now)))

	n, err := storage.MarkStaleRunsStopped(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := storage.LoadRunRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusStopped, got.Status)
	assert.NotNil(t, got.EndedAt)

	other, err := storage.LoadRunRecord(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, other.Status)

	_, err = storage.LoadRunRecord(ctx, "job-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunRecords(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, storage.SaveRunRecord(ctx, newRun("job-1", fmt.Sprintf("run-%d", i), now.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, storage.SaveRunRecord(ctx, newRun("job-2", "other", now)))

	runs, err := storage.ListRunRecords(ctx, "job-1", 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-4", runs[0].RunID)
	assert.Equal(t, "run-2", runs[2].RunID)

	all, err := storage.ListRunRecords(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestCursorRoundTrip(t *testing.T) {
	id, err := DecodeCursor(EncodeCursor("t-0042"))
	require.NoError(t, err)
	assert.Equal(t, "t-0042", id)

	id, err = DecodeCursor("")
	require.NoError(t, err)
	assert.Empty(t, id)
}
