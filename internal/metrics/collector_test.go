package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()

	snap := c.Snapshot()
	assert.Nil(t, snap.SourceRead)
	assert.Nil(t, snap.SinkWrite)

	c.RecordTiming(OpSourceRead, 10*time.Millisecond, 100)
	c.RecordTiming(OpSourceRead, 30*time.Millisecond, 50)
	c.RecordTiming(OpSinkWrite, 5*time.Millisecond, 150)

	snap = c.Snapshot()
	require.NotNil(t, snap.SourceRead)
	assert.Equal(t, int64(2), snap.SourceRead.Count)
	assert.Equal(t, int64(40), snap.SourceRead.TotalTimeMs)
	assert.InDelta(t, 20.0, snap.SourceRead.AvgTimeMs, 0.001)
	assert.Equal(t, int64(10), snap.SourceRead.MinTimeMs)
	assert.Equal(t, int64(30), snap.SourceRead.MaxTimeMs)
	assert.Equal(t, int64(150), snap.SourceRead.Records)

	require.NotNil(t, snap.SinkWrite)
	assert.Equal(t, int64(1), snap.SinkWrite.Count)
	assert.Nil(t, snap.Process)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Since(OpProcess, time.Now(), 1)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	require.NotNil(t, snap.Process)
	assert.Equal(t, int64(20), snap.Process.Count)
	assert.Equal(t, int64(20), snap.Process.Records)
}
