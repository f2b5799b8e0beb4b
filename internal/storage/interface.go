// Package storage provides abstraction for durable object storage.
// This enables different storage backends (S3, in-memory for tests)
// without changing the pipeline code.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested object does not exist in storage.
var ErrNotFound = errors.New("object not found")

// BlobStore defines the interface for object storage operations.
// Implementations can support S3-compatible services or in-memory storage.
type BlobStore interface {
	// Put writes data to storage at the given path.
	// When overwrite is false, an existing object at the path is an error.
	Put(ctx context.Context, path string, data []byte, overwrite bool) error

	// Get returns the full content of the object at the given path.
	// Returns an error wrapping ErrNotFound if the object does not exist.
	Get(ctx context.Context, path string) ([]byte, error)

	// Remove deletes the objects at the given paths. Missing objects are
	// not an error; partial failure is reported for the batch as a whole.
	Remove(ctx context.Context, paths []string) error

	// Sign returns a time-limited URL granting read access to the object.
	// Implementations fall back to a public URL when presigning fails.
	Sign(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// StorageError represents errors from storage operations with additional context.
type StorageError struct {
	Op      string // Operation that failed (e.g., "Put", "Get", "Remove")
	Path    string // Path or object key involved
	Err     error  // Underlying error
	Message string // Human-readable message
}

func (e *StorageError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the operation may succeed.
// Put and Get failures are transient often enough to retry; Remove
// failures are surfaced as-is because chunk cleanup is non-fatal.
func (e *StorageError) Retryable() bool {
	switch e.Op {
	case "Put", "Get":
		return !errors.Is(e.Err, ErrNotFound) && !errors.Is(e.Err, context.Canceled)
	default:
		return false
	}
}

// NewStorageError creates a new StorageError with the given details.
func NewStorageError(op, path string, err error) *StorageError {
	return &StorageError{
		Op:   op,
		Path: path,
		Err:  err,
	}
}
