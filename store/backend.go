package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrObjectNotExist is returned by a Backend when a key has no object
	ErrObjectNotExist = errors.New("object does not exist")

	// ErrObjectExists is returned by Backend.Create when the key is taken
	ErrObjectExists = errors.New("object already exists")
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Backend is the raw storage layer beneath the StateStore. Keys are
// slash-separated paths such as "run_01h.../latest.json".
//
// Implementations must guarantee that a reader never observes a partially
// written object: Put replaces the previous object in a single step and Create
// either fully succeeds or leaves nothing behind.
type Backend interface {
	// Put atomically creates or replaces the object at key
	Put(ctx context.Context, key string, data []byte) error

	// Create writes a new object and fails with ErrObjectExists if the key
	// is already taken. Existing objects are never overwritten.
	Create(ctx context.Context, key string, data []byte) error

	// Get returns the object contents and info
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)

	// List returns info for every object whose key starts with prefix,
	// ordered by key
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes every object whose key starts with prefix
	Delete(ctx context.Context, prefix string) error

	// Close releases any resources held by the backend
	Close() error
}
