// Package storage holds the served root and the key-value stores that back
// the transfer journal and the mirror.
package storage

import (
	"errors"
)

// Store represents a key-value store.
type Store interface {
	Put(key, value []byte) (err error)

	// Get should return ErrNotFound if the key is not in the store.
	Get(key []byte) (value []byte, err error)
}

var (
	// ErrNotFound indicates a key is not in the store, or a file is not
	// under the served root.
	ErrNotFound = errors.New("not found")

	// ErrEscape indicates a path that resolves outside the served root.
	ErrEscape = errors.New("path escapes root")

	// ErrNotReadable indicates a file that exists but cannot be read.
	ErrNotReadable = errors.New("not readable")
)

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
