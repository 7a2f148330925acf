// Package blobstore provides path-keyed byte storage. All paths for a tenant
// are rooted at "{tenant_id}/"; the store itself does not interpret paths.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested object does not exist
var ErrNotFound = errors.New("object not found")

// BlobStore defines the object storage operations used by the pipeline
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object whose path starts with prefix and
	// returns the number of objects removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Exists(ctx context.Context, path string) (bool, error)
}
