// Package storage abstracts the document store the repositories persist
// into: flat path-addressed byte blobs, backed by the local filesystem or
// an S3 bucket.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound reports a path that does not exist. Backends wrap it with the
// offending path; callers test with errors.Is.
var ErrNotFound = errors.New("not found")

type Storage interface {
	// Read returns the blob at path, or an error wrapping ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path, creating or replacing it atomically.
	Write(ctx context.Context, path string, data []byte) error
	// Delete removes the blob at path, or returns an error wrapping
	// ErrNotFound when there is none.
	Delete(ctx context.Context, path string) error
	// List returns the paths of the blobs directly under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}
