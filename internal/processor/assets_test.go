package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2024, 6, d, 0, 0, 0, 0, time.UTC)
}

func setupStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestExplodeDailySnapshots(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	add := func(v float64, at time.Time, name string, deleted bool) {
		require.NoError(t, store.AddVersion(ctx, types.EntityRecord{
			ID: "t-1", EntityType: "table", Version: v, Name: name, UpdatedAt: at, Deleted: deleted,
		}))
	}
	add(0.1, day(3).Add(9*time.Hour), "v1", false)
	add(0.2, day(3).Add(18*time.Hour), "v2", false) // same day, later version wins
	add(0.3, day(5).Add(1*time.Hour), "v3", false)
	add(0.4, day(6).Add(1*time.Hour), "gone", true)

	rc := &RunContext{Window: types.BackfillWindow{Start: day(1), End: day(8)}}
	current := types.EntityRecord{ID: "t-1", EntityType: "table", Version: 0.4, Deleted: true, UpdatedAt: day(6)}

	snaps, err := ExplodeDailySnapshots(store).Process(ctx, []types.EntityRecord{current}, rc)
	require.NoError(t, err)

	got := map[string]string{}
	for _, s := range snaps {
		got[s.Day.Format(time.DateOnly)] = s.Record.Name
	}
	assert.Equal(t, map[string]string{
		"2024-06-03": "v2",
		"2024-06-04": "v2",
		"2024-06-05": "v3",
	}, got)
}

func TestExplodeWithoutHistoryUsesCurrentRecord(t *testing.T) {
	store := setupStore(t)
	rc := &RunContext{Window: types.BackfillWindow{Start: day(1), End: day(4)}}
	rec := types.EntityRecord{ID: "t-9", EntityType: "table", Name: "orders", UpdatedAt: day(2).Add(time.Hour)}

	snaps, err := ExplodeDailySnapshots(store).Process(context.Background(), []types.EntityRecord{rec}, rc)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, day(2), snaps[0].Day)
	assert.Equal(t, day(3), snaps[1].Day)
}

// countingStore counts user lookups
type countingStore struct {
	storage.EntityStore
	mu      sync.Mutex
	lookups int
	fail    bool
}

func (c *countingStore) GetRecord(ctx context.Context, entityType, id string) (*types.EntityRecord, error) {
	c.mu.Lock()
	c.lookups++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return c.EntityStore.GetRecord(ctx, entityType, id)
}

func TestEnricher(t *testing.T) {
	base := setupStore(t)
	ctx := context.Background()
	require.NoError(t, base.UpsertEntity(ctx, types.EntityRecord{
		ID: "u-1", EntityType: "user", Name: "alice",
		Fields: map[string]any{"teams": []any{"analytics", "platform"}},
	}))
	store := &countingStore{EntityStore: base}

	enricher, err := NewEnricher(store, 16)
	require.NoError(t, err)

	userOwned := types.EntityRecord{
		ID: "t-1", EntityType: "table", Name: "orders",
		Owners:      []types.EntityReference{{ID: "u-1", Type: "user"}},
		Tags:        []string{"PII.None", "Tier.Tier1"},
		Description: "orders fact",
		Fields: map[string]any{"columns": []any{
			map[string]any{"name": "id", "description": "key"},
			map[string]any{"name": "amount"},
			map[string]any{"name": "ts", "description": ""},
		}},
	}
	teamOwned := types.EntityRecord{
		ID: "t-2", EntityType: "table", Name: "customers",
		Owners: []types.EntityReference{{ID: "g-1", Type: "team", Name: "sales"}},
	}
	snaps := []Snapshot{
		{Day: day(1), Record: userOwned},
		{Day: day(2), Record: userOwned},
		{Day: day(1), Record: teamOwned},
	}

	out, err := enricher.Process(ctx, snaps, &RunContext{})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "analytics", out[0].Team)
	assert.Equal(t, "Tier.Tier1", out[0].Tier)
	assert.True(t, out[0].HasOwner)
	assert.InDelta(t, 0.5, out[0].DescriptionCompleteness, 0.0001)
	assert.Equal(t, "sales", out[2].Team)
	assert.Equal(t, "", out[2].Tier)
	assert.InDelta(t, 0.0, out[2].DescriptionCompleteness, 0.0001)

	// Second day of the same user was served from the cache
	assert.Equal(t, 1, store.lookups)

	// Input snapshots are not modified
	assert.Empty(t, snaps[0].Team)
}

func TestEnricherLookupFailureDropsRecord(t *testing.T) {
	base := setupStore(t)
	store := &countingStore{EntityStore: base, fail: true}
	enricher, err := NewEnricher(store, 0)
	require.NoError(t, err)

	owned := types.EntityRecord{ID: "t-1", EntityType: "table", Owners: []types.EntityReference{{ID: "u-1", Type: "user"}}}
	plain := types.EntityRecord{ID: "t-2", EntityType: "table"}
	snaps := []Snapshot{{Day: day(1), Record: owned}, {Day: day(1), Record: plain}, {Day: day(2), Record: owned}}

	out, err := enricher.Process(context.Background(), snaps, &RunContext{})
	pf, ok := types.AsPartial(err)
	require.True(t, ok)
	assert.Equal(t, []string{"t-1"}, pf.FailedIDs())
	assert.Equal(t, 2, pf.Submitted)
	require.Len(t, out, 1)
	assert.Equal(t, "t-2", out[0].Record.ID)
}

func TestDataAssetsChain(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	rec := types.EntityRecord{
		ID: "t-1", EntityType: "table", Name: "orders", UpdatedAt: day(1),
		Owners: []types.EntityReference{{ID: "g-1", Type: "team", Name: "sales"}},
	}
	require.NoError(t, store.UpsertEntity(ctx, rec))

	enricher, err := NewEnricher(store, 0)
	require.NoError(t, err)
	chain := Chain(Chain(ExplodeDailySnapshots(store), Processor[[]Snapshot, []Snapshot](enricher)), SnapshotDocuments())

	rc := &RunContext{Window: types.BackfillWindow{Start: day(2), End: day(4)}, Dialect: search.DialectSQLite}
	docs, err := chain.Process(ctx, []types.EntityRecord{rec}, rc)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "t-1-2024-06-02", docs[0].ID)
	assert.Equal(t, "t-1-2024-06-03", docs[1].ID)
	assert.Equal(t, day(3), docs[1].Timestamp)
	assert.Equal(t, "sales", docs[0].Body["team"])
	assert.Equal(t, day(2).UnixMilli(), docs[0].Body["day"])
}
