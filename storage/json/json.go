// Package json implements storage.Store as a single JSON file guarded by a lock.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cocoonstack/vmbackup/lock"
	"github.com/cocoonstack/vmbackup/storage"
	"github.com/cocoonstack/vmbackup/utils"
)

// Store persists T at path. Every access reloads the file so that separate
// processes sharing the lock always see each other's writes.
type Store[T any] struct {
	path   string
	locker lock.Locker
}

var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// New returns a store for path guarded by locker.
func New[T any](path string, locker lock.Locker) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

// With implements storage.Store.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

// Update implements storage.Store.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.path, doc)
	})
}

func (s *Store[T]) load() (*T, error) {
	doc := new(T)
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	if in, ok := any(doc).(storage.Initer); ok {
		in.Init()
	}
	return doc, nil
}
