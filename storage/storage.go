package storage

import "context"

// Store is a locked, persisted document of type T.
type Store[T any] interface {
	// With loads the document under the lock and passes it to fn read-only.
	With(ctx context.Context, fn func(*T) error) error
	// Update loads the document under the lock, lets fn mutate it and
	// persists the result when fn succeeds.
	Update(ctx context.Context, fn func(*T) error) error
}

// Initer is implemented by documents that need their maps allocated after load.
type Initer interface {
	Init()
}
