package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/insights-pipeline/internal/config"
	"github.com/dshills/insights-pipeline/internal/notify"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSeedRecords(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	input := `{"id":"t1","entityType":"table","name":"orders","updatedAt":"2024-06-01T00:00:00Z"}

{"id":"k1","entityType":"topic","name":"clicks","updatedAt":"2024-06-02T00:00:00Z"}
`
	n, err := seedRecords(ctx, store, strings.NewReader(input), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := store.GetRecord(ctx, "table", "t1")
	require.NoError(t, err)
	assert.Equal(t, "orders", rec.Name)
}

func TestSeedRecordsHistoryOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	input := `{"id":"t1","entityType":"table","version":0.2,"name":"orders","updatedAt":"2024-06-01T00:00:00Z"}`
	n, err := seedRecords(ctx, store, strings.NewReader(input), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetRecord(ctx, "table", "t1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSeedRecordsReportsLine(t *testing.T) {
	store := newStore(t)

	input := `{"id":"t1","entityType":"table","name":"orders"}
{not json}
`
	n, err := seedRecords(context.Background(), store, strings.NewReader(input), false)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), "line 2")

	_, err = seedRecords(context.Background(), store, strings.NewReader(`{"name":"no id"}`), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestDriverConfig(t *testing.T) {
	dc, err := driverConfig(config.JobConfig{ID: "nightly", EntityTypes: []string{"table"}}, 250)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowReindex, dc.Workflow)
	assert.Equal(t, 250, dc.BatchSize)
	assert.Nil(t, dc.BackfillWindow)

	dc, err = driverConfig(config.JobConfig{
		ID:            "cost",
		Workflow:      "cost_analysis",
		BatchSize:     10,
		BackfillStart: "2024-06-01",
		BackfillEnd:   "2024-06-08",
	}, 250)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCostAnalysis, dc.Workflow)
	assert.Equal(t, 10, dc.BatchSize)
	require.NotNil(t, dc.BackfillWindow)
	assert.Len(t, dc.BackfillWindow.Days(), 7)

	_, err = driverConfig(config.JobConfig{ID: "bad", BackfillStart: "June"}, 250)
	assert.ErrorIs(t, err, types.ErrInvalidWindow)
}

func TestAllJobs(t *testing.T) {
	_, err := allJobs(config.Config{DefaultBatchSize: 100})
	assert.Error(t, err)

	jobs, err := allJobs(config.Config{
		DefaultBatchSize: 100,
		Jobs: []config.JobConfig{
			{ID: "a"},
			{ID: "b", Workflow: "data_assets"},
		},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, types.WorkflowDataAssets, jobs[1].Config.Workflow)

	byID, err := configuredJobs(config.Config{DefaultBatchSize: 100, Jobs: []config.JobConfig{{ID: "a"}}})
	require.NoError(t, err)
	assert.Equal(t, 100, byID["a"].BatchSize)
}

func TestPrintRecord(t *testing.T) {
	start := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	rec := &types.RunRecord{
		RunID:    "run-1",
		JobID:    "nightly",
		Workflow: types.WorkflowReindex,
		Status:   types.RunStatusStopped,
		Stats: types.JobStats{
			Job: types.StepStats{Total: 30, Success: 18, Failed: 2},
			Steps: map[string]types.StepStats{
				"table": {Total: 30, Success: 18, Failed: 2},
			},
		},
		Cursors:   map[string]string{"table": "dDE"},
		Warnings:  []string{"index table_search_index recreated"},
		StartedAt: start,
		EndedAt:   &end,
	}

	var buf bytes.Buffer
	printRecord(&buf, rec)
	out := buf.String()

	assert.Contains(t, out, "Run: run-1")
	assert.Contains(t, out, "STOPPED")
	assert.Contains(t, out, "Duration: 1m30s")
	assert.Contains(t, out, "table")
	assert.Contains(t, out, "Warning: index table_search_index recreated")
	assert.Contains(t, out, "pipeline run nightly --resume")
}

func TestPrintRunTable(t *testing.T) {
	var buf bytes.Buffer
	printRunTable(&buf, []*types.RunRecord{
		{RunID: "r1", JobID: "a", Workflow: types.WorkflowReindex, Status: types.RunStatusCompleted,
			Stats: types.JobStats{Job: types.StepStats{Total: 4, Success: 3, Failed: 1}}},
	})
	out := buf.String()
	assert.Contains(t, out, "RUN")
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "4/4")
}

func TestPrintCombined(t *testing.T) {
	records := []*types.RunRecord{
		{JobID: "a", Stats: types.JobStats{Steps: map[string]types.StepStats{
			"table": {Total: 10, Success: 9, Failed: 1},
		}}},
		nil,
		{JobID: "b", Stats: types.JobStats{Steps: map[string]types.StepStats{
			"table": {Total: 5, Success: 5},
			"topic": {Total: 5, Success: 4, Failed: 1},
		}}},
	}

	var buf bytes.Buffer
	printCombined(&buf, records)
	out := buf.String()

	assert.Contains(t, out, "Combined (2 runs)")
	assert.Regexp(t, `table\s+15\s+14\s+1\n`, out)
	assert.Regexp(t, `job\s+20\s+18\s+2\n`, out)
	assert.Contains(t, out, "Success rate: 90.00%")
}

func TestProgressURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8090/progress", progressURL(":8090", ""))
	assert.Equal(t, "ws://pipeline:8090/progress?job=nightly", progressURL("pipeline:8090", "nightly"))
}

type scriptedReader struct {
	updates []notify.Update
	err     error
}

func (r *scriptedReader) ReadJSON(v interface{}) error {
	if len(r.updates) == 0 {
		return r.err
	}
	*(v.(*notify.Update)) = r.updates[0]
	r.updates = r.updates[1:]
	return nil
}

func TestWatchUpdates(t *testing.T) {
	updates := []notify.Update{
		{Event: notify.EventRunStarted, JobID: "nightly", Status: types.RunStatusRunning},
		{Event: notify.EventProgress, JobID: "nightly", Status: types.RunStatusRunning, Step: "table",
			Stats: types.JobStats{Job: types.StepStats{Total: 10, Success: 5}}},
		{Event: notify.EventRunFinished, JobID: "nightly", Status: types.RunStatusFailed,
			Failure: &types.FailureContext{Step: "table", Message: "sink unavailable"}},
		{Event: notify.EventRunStarted, JobID: "later", Status: types.RunStatusRunning},
	}

	t.Run("until finished", func(t *testing.T) {
		var buf bytes.Buffer
		r := &scriptedReader{updates: append([]notify.Update(nil), updates...), err: errors.New("unexpected read")}
		require.NoError(t, watchUpdates(r, &buf, true))
		out := buf.String()
		assert.Contains(t, out, "5/10 processed")
		assert.Contains(t, out, "[table]")
		assert.Contains(t, out, "failure in table: sink unavailable")
		assert.NotContains(t, out, "later")
	})

	t.Run("follow until close", func(t *testing.T) {
		var buf bytes.Buffer
		r := &scriptedReader{
			updates: append([]notify.Update(nil), updates...),
			err:     &websocket.CloseError{Code: websocket.CloseNormalClosure},
		}
		require.NoError(t, watchUpdates(r, &buf, false))
		assert.Contains(t, buf.String(), "later")
	})

	t.Run("read error", func(t *testing.T) {
		r := &scriptedReader{err: errors.New("boom")}
		assert.Error(t, watchUpdates(r, &bytes.Buffer{}, false))
	})
}
