package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startSurreal runs a throwaway SurrealDB container for one test
func startSurreal(t *testing.T) *SurrealBackend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v2.2.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("SurrealDB container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	// testcontainers may report "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b, err := NewSurrealBackend(ctx, SurrealConfig{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "insights",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSurrealBackend(t *testing.T) {
	b := startSurreal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	day := func(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, b.CreateIndex(ctx, "di_data_assets"))
	exists, err := b.IndexExists(ctx, "di_data_assets")
	require.NoError(t, err)
	assert.True(t, exists)

	var docs []Document
	for d := 1; d <= 4; d++ {
		docs = append(docs, Document{
			ID:        fmt.Sprintf("t-1-%d", d),
			SourceID:  "t-1",
			Timestamp: day(d),
			Body:      map[string]any{"name": "orders", "day": d},
		})
	}
	docs = append(docs, Document{SourceID: "t-2", Body: map[string]any{}})

	res, err := b.BulkWrite(ctx, "di_data_assets", docs)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Accepted)
	assert.Len(t, res.Rejected, 1)

	// Upserting again keeps one record per id
	_, err = b.BulkWrite(ctx, "di_data_assets", docs[:2])
	require.NoError(t, err)
	count, err := b.Count(ctx, "di_data_assets")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	n, err := b.DeleteByTimeRange(ctx, "di_data_assets", day(2), day(4))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, b.DeleteIndex(ctx, "di_data_assets"))
	exists, err = b.IndexExists(ctx, "di_data_assets")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpsertBatch(t *testing.T) {
	docs := []Document{
		{ID: "a", SourceID: "t-1", Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Body: map[string]any{"n": 1}},
		{SourceID: "t-2"},
		{ID: "b", SourceID: "t-3", Body: map[string]any{"n": 2}},
	}

	sql, vars, sent, rejected := upsertBatch("di_data_assets", docs)
	assert.Equal(t, 2, strings.Count(sql, "UPSERT "))
	assert.Contains(t, sql, "$id_0")
	assert.Contains(t, sql, "$id_1")
	assert.NotContains(t, sql, "$id_2")

	require.Len(t, sent, 2)
	assert.Equal(t, "a", sent[0].ID)
	assert.Equal(t, "b", sent[1].ID)
	assert.Equal(t, []Rejection{{SourceID: "t-2", Reason: "missing document id"}}, rejected)

	assert.Equal(t, "di_data_assets", vars["tb"])
	assert.Equal(t, "b", vars["id_1"])
	assert.Equal(t, "t-3", vars["source_1"])
	assert.Equal(t, "2024-06-01T00:00:00Z", vars["ts_0"])
	assert.Equal(t, "", vars["ts_1"])
}

func TestSurrealBulkWriteRejectsOneStatement(t *testing.T) {
	b := startSurreal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, b.CreateIndex(ctx, "orders_search_index"))
	_, err := surrealdb.Query[any](ctx, b.db,
		`DEFINE FIELD source_id ON orders_search_index ASSERT $value != "blocked"`, nil)
	require.NoError(t, err)

	docs := []Document{
		{ID: "o-1", SourceID: "o-1", Body: map[string]any{"n": 1}},
		{ID: "o-2", SourceID: "blocked", Body: map[string]any{"n": 2}},
		{ID: "o-3", SourceID: "o-3", Body: map[string]any{"n": 3}},
	}
	res, err := b.BulkWrite(ctx, "orders_search_index", docs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "o-2", res.Rejected[0].ID)
	assert.NotEmpty(t, res.Rejected[0].Reason)

	count, err := b.Count(ctx, "orders_search_index")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
