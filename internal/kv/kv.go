// Package kv provides the persistent per-actor key/value store.
//
// Each actor (notification hub, upload session) owns a namespace inside a
// single SQLite database. Keys sort lexicographically within a namespace, so
// actors encode ordering into their keys (e.g. zero-padded timestamps) and
// read back with prefix scans. Values may carry a TTL; expired entries are
// invisible to reads and reaped by DeleteExpired.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Entry is one key/value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the contract actors program against. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key=value. A positive ttl schedules expiry; zero means the
	// entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live entries whose key starts with prefix, in
	// ascending key order.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// DeleteExpired removes entries whose TTL has elapsed and reports how
	// many were reaped.
	DeleteExpired(ctx context.Context) (int, error)
}

// Namespacer hands out Store views partitioned by namespace.
type Namespacer interface {
	Namespace(ns string) Store
}
