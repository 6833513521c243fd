package queue

// statemachine.go: item lifecycle transitions.
//
//	pending ─────────┐
//	server_error ────┤                 ┌──► success / invalid / unauthorized /
//	timeout ─────────┼──► IN_FLIGHT ───┤    forbidden / not_found / unknown
//	rate_limited ────┤                 ├──► server_error / timeout / rate_limited
//	(any resolved) ──┘                 └──► pending (round cancelled)
//
// Which resolved statuses are picked up again is the caller's choice (the
// statuses passed to Claim); the lifecycle itself only forbids leaving or
// re-entering IN_FLIGHT out of turn.

import (
	"fmt"

	"github.com/snehjoshi/batchq/internal/types"
)

// ValidTransition reports whether from → to is a legal status change.
func ValidTransition(from, to types.Status) bool {
	if from == types.StatusInFlight {
		return to != types.StatusInFlight
	}
	return to == types.StatusInFlight
}

// Claim marks every unclaimed item whose status is in set as claimed and
// returns copies of them in insertion order. A claimed item is invisible to
// other Claim calls until it is resolved, reverted or unclaimed.
func (q *Queue) Claim(set types.StatusSet) []types.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []types.Item
	for _, r := range q.records {
		if r.claimed || !set.Has(r.item.Status) || r.item.Status == types.StatusInFlight {
			continue
		}
		r.claimed = true
		out = append(out, r.item.Clone())
	}
	return out
}

// MarkInFlight moves a claimed item to in_flight and counts the attempt.
func (q *Queue) MarkInFlight(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.claimedRecord(seq, types.StatusInFlight)
	if err != nil {
		return err
	}
	r.item.Status = types.StatusInFlight
	r.item.Attempts++
	r.item.UpdatedAt = q.now()
	q.persist(r)
	return nil
}

// Resolve records the outcome of an in_flight item's send and releases the
// claim.
func (q *Queue) Resolve(seq uint64, res types.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.claimedRecord(seq, res.Status)
	if err != nil {
		return err
	}
	r.item.Status = res.Status
	r.item.HasResponse = res.HasResponse
	r.item.ResponseCode = 0
	if res.HasResponse {
		r.item.ResponseCode = res.ResponseCode
	}
	r.item.ResponseBody = append([]byte(nil), res.ResponseBody...)
	r.item.UpdatedAt = q.now()
	r.claimed = false
	q.persist(r)
	return nil
}

// Revert puts an in_flight item whose send was interrupted back to pending
// and releases the claim. The response fields of any earlier attempt are
// kept.
func (q *Queue) Revert(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.claimedRecord(seq, types.StatusPending)
	if err != nil {
		return err
	}
	r.item.Status = types.StatusPending
	r.item.UpdatedAt = q.now()
	r.claimed = false
	q.persist(r)
	return nil
}

// Unclaim releases a claimed item that was never marked in_flight.
func (q *Queue) Unclaim(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.lookup(seq)
	if err != nil {
		return err
	}
	if !r.claimed || r.item.Status == types.StatusInFlight {
		return fmt.Errorf("%w: unclaim seq %d in status %s", ErrIllegalTransition, seq, r.item.Status)
	}
	r.claimed = false
	return nil
}

// claimedRecord returns the record for seq if it is claimed and may move to
// status to. Must be called with q.mu held.
func (q *Queue) claimedRecord(seq uint64, to types.Status) (*record, error) {
	r, err := q.lookup(seq)
	if err != nil {
		return nil, err
	}
	if !r.claimed {
		return nil, fmt.Errorf("%w: seq %d is not claimed", ErrIllegalTransition, seq)
	}
	if !ValidTransition(r.item.Status, to) {
		return nil, fmt.Errorf("%w: seq %d %s → %s", ErrIllegalTransition, seq, r.item.Status, to)
	}
	return r, nil
}
