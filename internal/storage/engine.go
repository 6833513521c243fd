// Package storage defines the Journal abstraction used to persist a queue.
//
// The queue only talks to storage through this interface. A queue without a
// journal lives purely in memory; a queue with one can be rebuilt by a later
// process with queue.Restore.
package storage

import (
	"errors"

	"github.com/snehjoshi/batchq/internal/types"
)

// ErrNotFound is returned when an item has never been journaled.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored record cannot be decoded.
var ErrCorrupted = errors.New("storage: entry corrupted")

// Journal persists the latest state of every item, keyed by sequence id.
//
// Implementations:
//   - local.Journal: single-file bbolt database
//
// All methods must be safe for concurrent use.
type Journal interface {
	// Put upserts the record for item.Seq.
	Put(item types.Item) error

	// Get returns the record for seq, or ErrNotFound.
	Get(seq uint64) (types.Item, error)

	// ForEach calls fn for every record in ascending sequence order.
	// Iteration stops if fn returns a non-nil error.
	ForEach(fn func(item types.Item) error) error

	// Close flushes pending writes and releases file handles.
	Close() error
}
