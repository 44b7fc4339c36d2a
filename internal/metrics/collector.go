// Package metrics provides in-memory timing statistics for pipeline runs.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpSourceRead = "source_read"
	OpProcess    = "process"
	OpSinkWrite  = "sink_write"
	OpReset      = "reset"
	OpFinalize   = "finalize"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	Records   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`
	Records     int64   `json:"records"`
}

// Snapshot represents the timings of one run at a point in time.
type Snapshot struct {
	ElapsedSeconds float64            `json:"elapsedSeconds"`
	SourceRead     *OperationSnapshot `json:"sourceRead,omitempty"`
	Process        *OperationSnapshot `json:"process,omitempty"`
	SinkWrite      *OperationSnapshot `json:"sinkWrite,omitempty"`
	Reset          *OperationSnapshot `json:"reset,omitempty"`
	Finalize       *OperationSnapshot `json:"finalize,omitempty"`
}

// Collector aggregates in-memory timing statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation over n records.
func (c *Collector) RecordTiming(op string, duration time.Duration, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	m.Records += int64(n)

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Since records the time elapsed since start. Meant for defer:
//
//	defer c.Since(metrics.OpSinkWrite, time.Now(), len(docs))
func (c *Collector) Since(op string, start time.Time, n int) {
	c.RecordTiming(op, time.Since(start), n)
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
		Records:     m.Records,
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		ElapsedSeconds: time.Since(c.startTime).Seconds(),
		SourceRead:     snapshotOp(c.ops[OpSourceRead]),
		Process:        snapshotOp(c.ops[OpProcess]),
		SinkWrite:      snapshotOp(c.ops[OpSinkWrite]),
		Reset:          snapshotOp(c.ops[OpReset]),
		Finalize:       snapshotOp(c.ops[OpFinalize]),
	}
}
