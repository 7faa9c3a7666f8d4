package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned by Download for missing keys.
var ErrNotExist = errors.New("object does not exist")

// ObjectStorage is the subset of an S3-compatible store the cache needs.
type ObjectStorage interface {
	// Upload stores size bytes read from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object at key. Missing keys yield ErrNotExist.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
