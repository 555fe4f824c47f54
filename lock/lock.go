// Package lock defines the locking contract shared by the on-disk index
// flock and the in-process domain job lock.
package lock

import (
	"context"
	"errors"
)

// Locker is a mutual exclusion primitive whose acquisition honours ctx.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// WithLock runs fn while holding l. The lock is released whatever fn
// returns; a failed release is reported alongside fn's error.
func WithLock(ctx context.Context, l Locker, fn func() error) (err error) {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, l.Unlock(ctx)) }()
	return fn()
}
