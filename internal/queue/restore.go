package queue

import (
	"fmt"

	"github.com/snehjoshi/batchq/internal/storage"
	"github.com/snehjoshi/batchq/internal/types"
)

// Restore rebuilds a queue from journal j and keeps journaling to it.
//
// Items left in_flight by a process that died mid-round are reset to pending,
// so a restored queue never reports a send that nobody is waiting for.
// Sequence ids in the journal must be contiguous from 1.
func Restore(j storage.Journal, opts ...Option) (*Queue, error) {
	q := newQueue(append(opts, WithJournal(j)))

	// Writes for reset items are applied after ForEach returns: bbolt does
	// not allow a write transaction while this goroutine holds a read one.
	var reset []*record

	err := j.ForEach(func(item types.Item) error {
		want := uint64(len(q.records)) + 1
		if item.Seq != want {
			return fmt.Errorf("%w: expected seq %d, found %d", storage.ErrCorrupted, want, item.Seq)
		}
		r := &record{item: item}
		if item.Status == types.StatusInFlight {
			r.item.Status = types.StatusPending
			r.item.UpdatedAt = q.now()
			reset = append(reset, r)
		}
		q.records = append(q.records, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: restore: %w", err)
	}

	for _, r := range reset {
		if err := j.Put(r.item); err != nil {
			return nil, fmt.Errorf("queue: restore: reset seq %d: %w", r.item.Seq, err)
		}
	}
	if len(reset) > 0 {
		q.logger.Warn("reset interrupted items to pending", "count", len(reset))
	}
	return q, nil
}
