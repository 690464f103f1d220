// Package storage is the object storage boundary for uploaded file bytes.
package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound indicates the key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// Store reads and writes raw file content by storage key. Implementations
// must be safe for concurrent use.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
