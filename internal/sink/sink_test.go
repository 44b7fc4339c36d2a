package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/insights-pipeline/internal/processor"
	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/storage"
	"github.com/dshills/insights-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend is an in-memory search.Backend with failure injection
type mockBackend struct {
	mu        sync.Mutex
	indexes   map[string]map[string]search.Document
	bulkSizes []int
	failNext  int             // fail this many requests before succeeding
	refuseAt  int             // when > 0, bulk writes after this many fail
	reject    map[string]bool // document ids to reject
	ops       []string
}

func newMockBackend() *mockBackend {
	return &mockBackend{indexes: map[string]map[string]search.Document{}, reject: map[string]bool{}}
}

func (m *mockBackend) fail() error {
	if m.failNext > 0 {
		m.failNext--
		return errors.New("connection refused")
	}
	return nil
}

func (m *mockBackend) Dialect() search.Dialect { return search.DialectSQLite }
func (m *mockBackend) Close() error            { return nil }

func (m *mockBackend) IndexExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return false, err
	}
	_, ok := m.indexes[name]
	return ok, nil
}

func (m *mockBackend) CreateIndex(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "create "+name)
	if _, ok := m.indexes[name]; !ok {
		m.indexes[name] = map[string]search.Document{}
	}
	return nil
}

func (m *mockBackend) DeleteIndex(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete "+name)
	delete(m.indexes, name)
	return nil
}

func (m *mockBackend) BulkWrite(ctx context.Context, name string, docs []search.Document) (*search.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	if m.refuseAt > 0 && len(m.bulkSizes) >= m.refuseAt {
		return nil, errors.New("connection reset by peer")
	}
	m.bulkSizes = append(m.bulkSizes, len(docs))
	if _, ok := m.indexes[name]; !ok {
		m.indexes[name] = map[string]search.Document{}
	}
	res := &search.BulkResult{}
	for _, d := range docs {
		if m.reject[d.ID] {
			res.Rejected = append(res.Rejected, search.Rejection{ID: d.ID, SourceID: d.SourceID, Reason: "mapping conflict"})
			continue
		}
		m.indexes[name][d.ID] = d
		res.Accepted++
	}
	return res, nil
}

func (m *mockBackend) DeleteByTimeRange(ctx context.Context, name string, start, end time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.indexes[name] {
		if !d.Timestamp.Before(start) && d.Timestamp.Before(end) {
			delete(m.indexes[name], id)
			n++
		}
	}
	return n, nil
}

func (m *mockBackend) Count(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[name]
	if !ok {
		return 0, types.ErrIndexNotFound
	}
	return len(idx), nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func makeDocs(n int, ts time.Time) []search.Document {
	docs := make([]search.Document, n)
	for i := range docs {
		id := fmt.Sprintf("d-%03d", i)
		docs[i] = search.Document{ID: id, SourceID: id, Timestamp: ts, Body: map[string]any{"n": i}}
	}
	return docs
}

func TestWriteChunksAndGroups(t *testing.T) {
	backend := newMockBackend()
	s := New(backend, Options{MaxBulkDocs: 100, Retry: fastRetry()})
	rc := &processor.RunContext{IndexName: "table_search_index"}

	docs := makeDocs(250, time.Now())
	docs[10].Index = "other_index"

	res, err := s.Write(context.Background(), docs, rc)
	require.NoError(t, err)
	assert.Equal(t, 250, res.Accepted)
	assert.Zero(t, res.Rejected)
	assert.Equal(t, []int{100, 100, 49, 1}, backend.bulkSizes)

	n, err := backend.Count(context.Background(), "other_index")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteReportsRejections(t *testing.T) {
	backend := newMockBackend()
	backend.reject["a-1"] = true
	backend.reject["a-2"] = true
	s := New(backend, Options{Retry: fastRetry()})

	docs := []search.Document{
		{ID: "a-1", SourceID: "a"},
		{ID: "a-2", SourceID: "a"},
		{ID: "b-1", SourceID: "b"},
	}
	res, err := s.Write(context.Background(), docs, &processor.RunContext{IndexName: "idx"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, []string{"a-1", "a-2"}, res.RejectedIDs)
	assert.Equal(t, []string{"a"}, res.RejectedSources)
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	backend := newMockBackend()
	backend.failNext = 2
	s := New(backend, Options{Retry: fastRetry()})

	res, err := s.Write(context.Background(), makeDocs(5, time.Now()), &processor.RunContext{IndexName: "idx"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Accepted)
}

func TestWriteUnreachableIsFatal(t *testing.T) {
	backend := newMockBackend()
	backend.failNext = 100
	s := New(backend, Options{Retry: fastRetry()})

	_, err := s.Write(context.Background(), makeDocs(5, time.Now()), &processor.RunContext{IndexName: "idx"})
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.ErrorIs(t, err, types.ErrDestinationUnreachable)
	assert.Equal(t, 97, backend.failNext, "three attempts were made")
}

func TestWriteUnreachableKeepsWrittenChunks(t *testing.T) {
	backend := newMockBackend()
	backend.refuseAt = 1
	backend.reject["d-003"] = true
	s := New(backend, Options{MaxBulkDocs: 10, Retry: fastRetry()})

	res, err := s.Write(context.Background(), makeDocs(25, time.Now()), &processor.RunContext{IndexName: "idx"})
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))

	assert.Equal(t, 9, res.Accepted)
	assert.Equal(t, []string{"d-003"}, res.RejectedSources)
	require.Len(t, res.Settled, 10)
	assert.Equal(t, "d-000", res.Settled[0])
	assert.Equal(t, "d-009", res.Settled[9])
}

func TestWriteCompletesAfterCancellation(t *testing.T) {
	backend := newMockBackend()
	s := New(backend, Options{MaxBulkDocs: 10, Retry: fastRetry()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Write(ctx, makeDocs(35, time.Now()), &processor.RunContext{IndexName: "idx"})
	require.NoError(t, err)
	assert.Equal(t, 35, res.Accepted)
}

func TestWriteRejectsBadIndexName(t *testing.T) {
	s := New(newMockBackend(), Options{Retry: fastRetry()})
	_, err := s.Write(context.Background(), makeDocs(1, time.Now()), &processor.RunContext{IndexName: "drop table;"})
	assert.True(t, types.IsFatal(err))
}

func TestWriteIsThrottled(t *testing.T) {
	backend := newMockBackend()
	s := New(backend, Options{MaxBulkDocs: 1, WritesPerSecond: 20, Retry: fastRetry()})

	start := time.Now()
	_, err := s.Write(context.Background(), makeDocs(3, time.Now()), &processor.RunContext{IndexName: "idx"})
	require.NoError(t, err)
	// burst of one, then 50ms per request
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("recreate", func(t *testing.T) {
		backend := newMockBackend()
		s := New(backend, Options{Retry: fastRetry()})
		_, err := s.Write(ctx, makeDocs(3, day), &processor.RunContext{IndexName: "idx"})
		require.NoError(t, err)

		require.NoError(t, s.Reset(ctx, Recreate("idx")))
		n, err := backend.Count(ctx, "idx")
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, []string{"delete idx", "create idx"}, backend.ops)
	})

	t.Run("ensure", func(t *testing.T) {
		backend := newMockBackend()
		s := New(backend, Options{Retry: fastRetry()})
		require.NoError(t, s.Reset(ctx, Ensure("idx")))
		require.NoError(t, s.Reset(ctx, Ensure("idx")))
		assert.Equal(t, []string{"create idx"}, backend.ops)
	})

	t.Run("time range", func(t *testing.T) {
		backend := newMockBackend()
		s := New(backend, Options{Retry: fastRetry()})
		docs := append(makeDocs(2, day), search.Document{ID: "old", Timestamp: day.Add(-time.Hour)})
		_, err := s.Write(ctx, docs, &processor.RunContext{IndexName: "idx"})
		require.NoError(t, err)

		require.NoError(t, s.Reset(ctx, WindowRange("idx", types.DayWindow(day))))
		n, err := backend.Count(ctx, "idx")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("unreachable", func(t *testing.T) {
		backend := newMockBackend()
		backend.failNext = 100
		s := New(backend, Options{Retry: fastRetry()})
		err := s.Reset(ctx, Ensure("idx"))
		assert.ErrorIs(t, err, types.ErrDestinationUnreachable)
	})

	t.Run("none", func(t *testing.T) {
		backend := newMockBackend()
		s := New(backend, Options{})
		require.NoError(t, s.Reset(ctx, ResetAction{}))
		assert.Empty(t, backend.ops)
	})
}

func TestSinkOverSQLiteBackend(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	backend := search.NewSQLiteBackend(store.DB())
	s := New(backend, Options{MaxBulkDocs: 4, Retry: fastRetry()})
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Reset(ctx, Recreate("di_data_assets")))
	res, err := s.Write(ctx, makeDocs(10, day.Add(time.Hour)), &processor.RunContext{IndexName: "di_data_assets"})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Accepted)

	// rerunning the same day replaces instead of adding
	require.NoError(t, s.Reset(ctx, WindowRange("di_data_assets", types.DayWindow(day))))
	_, err = s.Write(ctx, makeDocs(10, day.Add(time.Hour)), &processor.RunContext{IndexName: "di_data_assets"})
	require.NoError(t, err)

	n, err := backend.Count(ctx, "di_data_assets")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	v, attempts, err := retryWithBackoff(context.Background(), fastRetry(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, attempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, attempts, err = retryWithBackoff(ctx, fastRetry(), func() (int, error) {
		return 0, errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
