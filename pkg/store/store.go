// Package store defines the persistence contracts for the governance
// pipeline and provides in-memory implementations. Every store is scoped,
// async (context-aware), and returns copies so callers can never mutate
// shared state in place.
//
// The in-memory stores serialize on a mutex and are the bootstrap fallback
// when a configured durable backing is unreachable.
package store

import "errors"

var (
	// ErrNotFound is returned by every Get against a missing id.
	ErrNotFound = errors.New("store: not found")

	// ErrStaleVersion is the optimistic-concurrency conflict: the writer's
	// observed version no longer matches the stored one. Retry by re-reading.
	ErrStaleVersion = errors.New("store: stale version")

	// ErrDuplicateID rejects a Create over an existing id.
	ErrDuplicateID = errors.New("store: duplicate id")
)
