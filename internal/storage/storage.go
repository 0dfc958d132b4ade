// Package storage is the key/value persistence used for the unsent-event
// queues and the user session.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Storage persists opaque values by key. Implementations must be safe for
// concurrent use.
type Storage interface {
	IsEnabled(ctx context.Context) bool
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Reset(ctx context.Context) error
}

// Closer is implemented by backends holding a connection.
type Closer interface {
	Close() error
}

// Close closes s if it holds resources.
func Close(s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
