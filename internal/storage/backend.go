// Package storage defines the read-only Backend interface for file bytes
// and routes catalog storages to their backends.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNoBackend is returned when no backend is registered for a storage.
var ErrNoBackend = errors.New("no storage backend available")

// Backend reads object bytes. Metadata (existence, permissions, size) comes
// from the catalog; backends only deliver content.
//
// Missing objects are reported with an error wrapping fs.ErrNotExist.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned. The returned
	// size is the number of bytes the reader will yield.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local", "smb").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
