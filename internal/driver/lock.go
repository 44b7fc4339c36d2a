package driver

import (
	"sync"
	"sync/atomic"
)

// jobLock provides non-blocking lock semantics using atomic operations.
type jobLock struct {
	state atomic.Int32 // 0 = idle, 1 = running
}

// TryAcquire attempts to acquire the lock without blocking.
func (l *jobLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release releases the lock.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *jobLock) Release() {
	l.state.Store(0)
}

// lockTable hands out one lock per job id. Locks are never removed; the
// number of distinct jobs a process sees is small.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*jobLock)}
}

func (t *lockTable) get(jobID string) *jobLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[jobID]
	if !ok {
		l = &jobLock{}
		t.locks[jobID] = l
	}
	return l
}
