// Package storage defines the blob store interface the repository engine
// publishes through, plus the in-memory and S3 implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("key not found")

// ErrPreconditionFailed is returned when a conditional Put loses the race:
// the object's current ETag no longer matches the expected one, or the
// object already exists for a create-only write.
var ErrPreconditionFailed = errors.New("precondition failed")

// UnavailableError wraps a transient backend failure. Callers may retry.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
	ETag     string
}

// PutOptions control a single Put.
//
// When IfMatch is set the write only succeeds if the object's current ETag
// equals it. When IfNoneMatch is set the write only succeeds if no object
// exists at the key yet. Stores whose SupportsConditional is false ignore
// both and always write.
type PutOptions struct {
	ContentType string
	IfMatch     string
	IfNoneMatch bool
}

// Store is a keyed blob store with prefix listing.
type Store interface {
	// Get returns the object's content and metadata, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)

	// Put stores content under key and returns the resulting object info.
	// Conditional writes that lose return ErrPreconditionFailed.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (ObjectInfo, error)

	// List returns all objects whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object stored under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object with the given key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// SupportsConditional reports whether Put honors IfMatch/IfNoneMatch.
	SupportsConditional() bool
}
