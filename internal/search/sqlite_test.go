package search

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewSQLiteBackend(store.DB())
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("SurrealDB")
	require.NoError(t, err)
	assert.Equal(t, DialectSurreal, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	_, err = ParseDialect("elasticsearch")
	assert.Error(t, err)
}

func TestIndexLifecycle(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	exists, err := b.IndexExists(ctx, "table_search_index")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.CreateIndex(ctx, "table_search_index"))
	require.NoError(t, b.CreateIndex(ctx, "table_search_index"))
	exists, err = b.IndexExists(ctx, "table_search_index")
	require.NoError(t, err)
	assert.True(t, exists)

	res, err := b.BulkWrite(ctx, "table_search_index", []Document{{ID: "a", Body: map[string]any{"name": "orders"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	require.NoError(t, b.DeleteIndex(ctx, "table_search_index"))
	_, err = b.Count(ctx, "table_search_index")
	assert.True(t, errors.Is(err, types.ErrIndexNotFound))

	assert.Error(t, b.CreateIndex(ctx, "bad name; DROP"))
}

func TestBulkWriteUpsertAndRejections(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "t-1", SourceID: "t-1", Body: map[string]any{"name": "orders"}},
		{ID: "", SourceID: "t-2", Body: map[string]any{"name": "no id"}},
		{ID: "t-3", SourceID: "t-3", Body: map[string]any{"size": math.NaN()}},
		{ID: "t-4", SourceID: "t-4", Body: map[string]any{"name": "customers"}},
	}
	res, err := b.BulkWrite(ctx, "idx", docs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, "t-2", res.Rejected[0].SourceID)
	assert.Equal(t, "t-3", res.Rejected[1].ID)

	// Writing the same ids again converges instead of duplicating
	res, err = b.BulkWrite(ctx, "idx", []Document{{ID: "t-1", Body: map[string]any{"name": "orders_v2"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	count, err := b.Count(ctx, "idx")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	body, err := b.Get(ctx, "idx", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "orders_v2", body["name"])
}

func TestDeleteByTimeRange(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC) }

	var docs []Document
	for d := 1; d <= 5; d++ {
		docs = append(docs, Document{ID: day(d).Format(time.DateOnly), Timestamp: day(d), Body: map[string]any{"day": d}})
	}
	_, err := b.BulkWrite(ctx, "di_data_assets", docs)
	require.NoError(t, err)

	n, err := b.DeleteByTimeRange(ctx, "di_data_assets", day(2), day(4))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := b.Count(ctx, "di_data_assets")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSearch(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	_, err := b.BulkWrite(ctx, "table_search_index", []Document{
		{ID: "1", Body: map[string]any{"name": "orders", TextField: "orders sales fact table"}},
		{ID: "2", Body: map[string]any{"name": "customers", TextField: "customer dimension"}},
		{ID: "3", Body: map[string]any{"name": "sales_daily", "description": "daily sales rollup"}},
	})
	require.NoError(t, err)
	_, err = b.BulkWrite(ctx, "other_index", []Document{
		{ID: "9", Body: map[string]any{TextField: "sales elsewhere"}},
	})
	require.NoError(t, err)

	hits, err := b.Search(ctx, "table_search_index", "sales", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	ids := []string{hits[0].ID, hits[1].ID}
	assert.ElementsMatch(t, []string{"1", "3"}, ids)

	// FTS operators in input are treated as plain terms
	hits, err = b.Search(ctx, "table_search_index", "customer OR", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = b.Search(ctx, "table_search_index", "   ", 10)
	assert.Error(t, err)
}
