package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	"github.com/cocoonstack/vmbackup/lock"
)

const retryDelay = 50 * time.Millisecond

var _ lock.Locker = (*Lock)(nil)

// Lock is a cross-process exclusive lock on a lock file (flock(2)).
// The daemon and the CLI both take it before touching a shared index.
// Lock files are long-lived and never removed.
//
// A flock already held through the same *flock.Flock is re-granted to any
// goroutine, so goroutines sharing a Lock also queue on sem.
type Lock struct {
	fl  *flock.Flock
	sem *semaphore.Weighted
}

// New creates a Lock on path. The file is created on first Lock.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path), sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the flock is held or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.fl.Path(), err)
	}
	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	if err == nil && !locked {
		err = context.Cause(ctx)
	}
	if err != nil {
		l.sem.Release(1)
		return fmt.Errorf("acquire flock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// Unlock releases the flock.
func (l *Lock) Unlock(_ context.Context) error {
	defer l.sem.Release(1)
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}
