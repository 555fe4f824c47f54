// Package job provides the per-domain exclusive job lock. A holder keeps it
// across blocking monitor calls; other callers wait or give up with their context.
package job

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cocoonstack/vmbackup/lock"
)

var _ lock.Locker = (*Lock)(nil)

// Lock is an in-process, context-aware mutex for one domain.
type Lock struct {
	name string
	sem  *semaphore.Weighted
}

// New returns an unlocked job lock labelled name.
func New(name string) *Lock {
	return &Lock{name: name, sem: semaphore.NewWeighted(1)}
}

// Lock waits for the job slot or fails when ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire job lock of %s: %w", l.name, err)
	}
	return nil
}

// TryLock takes the slot only when it is free.
func (l *Lock) TryLock() bool { return l.sem.TryAcquire(1) }

// Unlock releases the slot.
func (l *Lock) Unlock(_ context.Context) error {
	l.sem.Release(1)
	return nil
}

// Table hands out one Lock per domain name.
type Table struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]*Lock)}
}

// Get returns the lock for name, creating it on first use.
func (t *Table) Get(name string) *Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[name]
	if !ok {
		l = New(name)
		t.locks[name] = l
	}
	return l
}
