// Package storage defines the key-value contract the SDK persists credential
// material through. The concrete backend (in-memory, bbolt file, sqlite) is
// selected by configuration; everything above this package only sees a
// DataSource.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("storage: not found")

	// ErrNotReady reports a backend that exists but cannot currently serve
	// reads or writes (e.g. the underlying file is locked). Callers treat
	// this as a recoverable per-request condition, never as a silent no-op.
	ErrNotReady = errors.New("storage: backend not ready")
)

// DataSource is the key-value store the token store persists through.
// Implementations must be safe for concurrent use.
type DataSource interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys with the given prefix, sorted. An empty prefix
	// returns every key.
	Keys(prefix string) ([]string, error)

	// Ready reports whether the backend can currently serve requests.
	Ready() bool

	// Close releases underlying resources.
	Close() error
}

// Error wraps a backend failure with the backend name and operation, so a
// failed storage call can always be traced to its driver.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a storage Error.
func NewError(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Err: err}
}
