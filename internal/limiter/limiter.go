// Package limiter caps the number of sends outstanding at once.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMax is the ceiling used when none is configured.
const DefaultMax = 10

// ErrConfiguration is returned by New for a non-positive ceiling.
var ErrConfiguration = errors.New("limiter: max must be at least 1")

// Limiter is a counting semaphore with instrumentation. Waiters are admitted
// in FIFO order.
type Limiter struct {
	sem *semaphore.Weighted
	max int

	mu    sync.Mutex
	inUse int
	peak  int
}

// New returns a Limiter with max slots.
func New(max int) (*Limiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrConfiguration, max)
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), max: max}, nil
}

// Acquire blocks until a slot is free or ctx is done. Every successful
// Acquire must be paired with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	l.inUse++
	if l.inUse > l.peak {
		l.peak = l.inUse
	}
	l.mu.Unlock()
	return nil
}

// Release returns a slot.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.inUse--
	l.mu.Unlock()
	l.sem.Release(1)
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Peak returns the highest InUse value observed since New.
func (l *Limiter) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

// Max returns the ceiling.
func (l *Limiter) Max() int { return l.max }
