// Package queue holds the ordered store of batch items.
//
// The queue assigns sequence ids, runs the injected validator on append, and
// owns every status change. The dispatcher drives items through their
// lifecycle with Claim, MarkInFlight, Resolve, Revert and Unclaim; everyone
// else reads copies through Select and Snapshot.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/batchq/internal/storage"
	"github.com/snehjoshi/batchq/internal/types"
	"github.com/snehjoshi/batchq/internal/validate"
)

var (
	// ErrValidation wraps the validator's rejection of an appended item.
	ErrValidation = errors.New("queue: validation failed")
	// ErrIllegalTransition is returned when a status change breaks the item
	// lifecycle (see ValidTransition).
	ErrIllegalTransition = errors.New("queue: illegal status transition")
	// ErrNotFound is returned for a sequence id that was never assigned.
	ErrNotFound = errors.New("queue: no such item")
	// ErrJournalNotEmpty is returned by New when the journal already holds
	// records. Use Restore to continue a journaled batch.
	ErrJournalNotEmpty = errors.New("queue: journal is not empty")
)

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Queue.
type Option func(*Queue)

// WithValidator sets the validator run on every Append. Nil disables
// validation.
func WithValidator(v validate.Validator) Option {
	return func(q *Queue) { q.validator = v }
}

// WithJournal persists every append and status change to j.
func WithJournal(j storage.Journal) Option {
	return func(q *Queue) { q.journal = j }
}

// WithClock replaces time.Now for CreatedAt/UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger sets the logger used for journal write failures.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// record is the queue's private copy of an item plus the claim flag that
// keeps two overlapping send rounds from picking the same item.
type record struct {
	item    types.Item
	claimed bool
}

// Queue owns every appended item in insertion order.
//
// Items are never removed. Callers only ever see deep copies; all mutation
// goes through the queue by sequence id under q.mu, so readers never observe
// a half-applied update.
//
// All public methods are safe for concurrent use.
type Queue struct {
	mu      sync.RWMutex
	records []*record // records[i].item.Seq == i+1

	validator validate.Validator
	journal   storage.Journal
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an empty Queue.
func New(opts ...Option) (*Queue, error) {
	q := newQueue(opts)
	if q.journal != nil {
		empty := true
		err := q.journal.ForEach(func(types.Item) error {
			empty = false
			return errStop
		})
		if err != nil && !errors.Is(err, errStop) {
			return nil, fmt.Errorf("queue: scan journal: %w", err)
		}
		if !empty {
			return nil, ErrJournalNotEmpty
		}
	}
	return q, nil
}

var errStop = errors.New("stop")

func newQueue(opts []Option) *Queue {
	q := &Queue{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Append validates and queues a new pending item, returning its sequence id.
// Sequence ids start at 1 and are never reused. A validation failure returns
// an error wrapping ErrValidation and no item is created.
func (q *Queue) Append(dest types.Destination, payload []byte) (uint64, error) {
	if q.validator != nil {
		if err := q.validator.Validate(dest, payload); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	rec := &record{item: types.Item{
		Seq:         uint64(len(q.records)) + 1,
		Destination: dest.Clone(),
		Payload:     append([]byte(nil), payload...),
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	// The seq is only consumed once the journal has the record.
	if q.journal != nil {
		if err := q.journal.Put(rec.item); err != nil {
			return 0, fmt.Errorf("queue: journal append %d: %w", rec.item.Seq, err)
		}
	}
	q.records = append(q.records, rec)
	return rec.item.Seq, nil
}

// Select returns copies of the items whose status is in statuses, in
// insertion order. With no statuses it returns every item.
func (q *Queue) Select(statuses ...types.Status) []types.Item {
	set := types.NewStatusSet(statuses...)

	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]types.Item, 0, len(q.records))
	for _, r := range q.records {
		if len(statuses) == 0 || set.Has(r.item.Status) {
			out = append(out, r.item.Clone())
		}
	}
	return out
}

// Snapshot returns copies of every item, taken under one lock.
func (q *Queue) Snapshot() []types.Item { return q.Select() }

// Get returns a copy of the item with the given sequence id.
func (q *Queue) Get(seq uint64) (types.Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, err := q.lookup(seq)
	if err != nil {
		return types.Item{}, err
	}
	return r.item.Clone(), nil
}

// Size returns the number of items ever appended.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.records)
}

// Counts returns the number of items per status.
func (q *Queue) Counts() map[types.Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[types.Status]int)
	for _, r := range q.records {
		out[r.item.Status]++
	}
	return out
}

// Journal returns the configured journal, or nil.
func (q *Queue) Journal() storage.Journal { return q.journal }

// lookup must be called with q.mu held.
func (q *Queue) lookup(seq uint64) (*record, error) {
	if seq == 0 || seq > uint64(len(q.records)) {
		return nil, fmt.Errorf("%w: seq %d", ErrNotFound, seq)
	}
	return q.records[seq-1], nil
}

// persist writes the record to the journal. It must be called with q.mu held
// so that successive updates of one item reach the journal in order.
// Failures are logged: the in-memory state stays authoritative.
func (q *Queue) persist(r *record) {
	if q.journal == nil {
		return
	}
	if err := q.journal.Put(r.item); err != nil {
		q.logger.Error("journal write failed",
			"seq", r.item.Seq,
			"status", r.item.Status,
			"error", err,
		)
	}
}
