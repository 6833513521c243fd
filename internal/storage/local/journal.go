// Package local implements storage.Journal on top of a single bbolt file.
package local

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/batchq/internal/id"
	"github.com/snehjoshi/batchq/internal/storage"
	"github.com/snehjoshi/batchq/internal/types"
)

var (
	bucketItems = []byte("items")
	bucketMeta  = []byte("meta")

	keyRunID     = []byte("run_id")
	keyCreatedAt = []byte("created_at")
)

// Journal is a bbolt-backed storage.Journal.
//
// bbolt is used because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID, so the journal is consistent even after a crash
//   - A single file that can be handed to `batchq resume`
//
// Records are keyed by the big-endian sequence id so that bbolt's cursor
// order is the queue's insertion order.
type Journal struct {
	db    *bbolt.DB
	path  string
	runID string
}

// Ensure Journal satisfies the interface at compile time.
var _ storage.Journal = (*Journal)(nil)

// Open opens (or creates) the journal at path. A new journal is stamped with
// a fresh run ID; an existing one keeps the ID it was created with.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{db: db, path: path}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketItems); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyRunID); v != nil {
			j.runID = string(v)
			return nil
		}
		runID, err := id.New()
		if err != nil {
			return err
		}
		j.runID = runID
		if err := meta.Put(keyRunID, []byte(runID)); err != nil {
			return err
		}
		return meta.Put(keyCreatedAt, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: init buckets: %w", err)
	}
	return j, nil
}

// RunID returns the ULID stamped on the journal when it was created.
func (j *Journal) RunID() string { return j.runID }

// Path returns the file the journal lives in.
func (j *Journal) Path() string { return j.path }

// Put upserts the record for item.Seq.
func (j *Journal) Put(item types.Item) error {
	val, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("journal: marshal item %d: %w", item.Seq, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).Put(seqKey(item.Seq), val)
	})
}

// Get returns the record for seq.
func (j *Journal) Get(seq uint64) (types.Item, error) {
	var item types.Item
	err := j.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketItems).Get(seqKey(seq))
		if val == nil {
			return storage.ErrNotFound
		}
		return decode(val, &item)
	})
	return item, err
}

// ForEach iterates over every record in sequence order.
//
// fn runs inside a bbolt read transaction, so it must not call Put: bbolt
// does not allow a write transaction to open while a read transaction is
// still held by the same goroutine.
func (j *Journal) ForEach(fn func(item types.Item) error) error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
			var item types.Item
			if err := decode(v, &item); err != nil {
				return err
			}
			return fn(item)
		})
	})
}

// Len returns the number of journaled records.
func (j *Journal) Len() int {
	var n int
	_ = j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketItems).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil && !errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return err
	}
	return nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func decode(val []byte, item *types.Item) error {
	if err := json.Unmarshal(val, item); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCorrupted, err)
	}
	return nil
}
