// Package dispatcher runs send rounds over a queue.
//
// A round claims every item whose status is in the requested set, sends each
// one through the transport with at most max_concurrency sends outstanding,
// classifies the outcome and writes it back to the queue. Item failures are
// recorded on the item; Send only fails when the round itself is cancelled.
//
// Data flow:
//
//	Send → queue.Claim → limiter.Acquire → queue.MarkInFlight
//	     → transport.Send → classify.Outcome → queue.Resolve → limiter.Release
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/batchq/internal/classify"
	"github.com/snehjoshi/batchq/internal/id"
	"github.com/snehjoshi/batchq/internal/limiter"
	"github.com/snehjoshi/batchq/internal/metrics"
	"github.com/snehjoshi/batchq/internal/queue"
	"github.com/snehjoshi/batchq/internal/remote"
	"github.com/snehjoshi/batchq/internal/types"
)

// DefaultTimeout is the per-request deadline for message sends.
const DefaultTimeout = 120 * time.Second

// ErrConfiguration is returned by New for unusable settings.
var ErrConfiguration = errors.New("dispatcher: invalid configuration")

// ─── Summary ─────────────────────────────────────────────────────────────────

// Summary describes one finished (or cancelled) round.
type Summary struct {
	Round string `json:"round"`
	// Attempted is the number of sends started.
	Attempted int `json:"attempted"`
	// Counts holds the resolved status of every completed send.
	Counts map[types.Status]int `json:"counts"`
	// Interrupted counts sends reverted to pending because the round was
	// cancelled while they were outstanding.
	Interrupted int       `json:"interrupted,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// Duration returns how long the round took.
func (s Summary) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrency sets the number of sends allowed outstanding at once.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrency = n }
}

// WithTimeout sets the per-request deadline.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics attaches a metrics.Registry so every send updates the dispatch
// counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = reg }
}

// WithObserver registers an observer for round and item events.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

// WithKind labels log records and metrics, e.g. "message" or "file".
func WithKind(kind string) Option {
	return func(d *Dispatcher) {
		if kind != "" {
			d.kind = kind
		}
	}
}

// ─── Dispatcher ──────────────────────────────────────────────────────────────

// Dispatcher sends queued items with bounded concurrency.
//
// A Dispatcher may run several rounds at once; they share one limiter, so
// the ceiling holds across rounds, and the queue's claim flag keeps them from
// sending the same item twice.
type Dispatcher struct {
	q         *queue.Queue
	transport remote.Transport

	maxConcurrency int
	timeout        time.Duration
	kind           string
	limiter        *limiter.Limiter

	logger    *slog.Logger
	metrics   *metrics.Registry
	observers []Observer
}

// New returns a Dispatcher over q that sends through transport.
func New(q *queue.Queue, transport remote.Transport, opts ...Option) (*Dispatcher, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: nil queue", ErrConfiguration)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrConfiguration)
	}
	d := &Dispatcher{
		q:              q,
		transport:      transport,
		maxConcurrency: limiter.DefaultMax,
		timeout:        DefaultTimeout,
		kind:           "message",
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %s", ErrConfiguration, d.timeout)
	}
	lim, err := limiter.New(d.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	d.limiter = lim
	return d, nil
}

// Limiter exposes the concurrency limiter for instrumentation.
func (d *Dispatcher) Limiter() *limiter.Limiter { return d.limiter }

// Queue returns the queue the dispatcher sends from.
func (d *Dispatcher) Queue() *queue.Queue { return d.q }

// Send runs one round over the items whose status is in statuses, or
// types.RetryableStatuses when none are given. It returns once every started
// send has been resolved.
//
// If ctx is cancelled mid-round, items not yet started are released untouched
// and outstanding sends are reverted to pending; Send then returns the partial
// summary together with an error wrapping ctx.Err().
func (d *Dispatcher) Send(ctx context.Context, statuses ...types.Status) (Summary, error) {
	if d == nil || d.q == nil || d.limiter == nil {
		return Summary{}, fmt.Errorf("%w: dispatcher not initialised", ErrConfiguration)
	}
	if len(statuses) == 0 {
		statuses = types.RetryableStatuses
	}
	round, err := id.New()
	if err != nil {
		return Summary{}, fmt.Errorf("dispatcher: round id: %w", err)
	}

	sum := Summary{
		Round:   round,
		Counts:  make(map[types.Status]int),
		Started: time.Now(),
	}
	claimed := d.q.Claim(types.NewStatusSet(statuses...))
	if len(claimed) == 0 {
		sum.Finished = time.Now()
		d.logger.Debug("round has nothing to send", "round", round, "statuses", statuses)
		return sum, nil
	}

	d.logger.Info("round started",
		"round", round,
		"kind", d.kind,
		"items", len(claimed),
		"max_concurrency", d.limiter.Max(),
	)
	d.notify(Event{Type: EventRoundStarted, Round: round, Items: len(claimed), Time: sum.Started})

	var (
		eg       errgroup.Group
		mu       sync.Mutex
		roundErr error
	)
	record := func(st types.Status, interrupted bool) {
		mu.Lock()
		defer mu.Unlock()
		if interrupted {
			sum.Interrupted++
			return
		}
		sum.Counts[st]++
	}

	for i, it := range claimed {
		if err := d.limiter.Acquire(ctx); err != nil {
			d.release(claimed[i:])
			roundErr = err
			break
		}
		if err := ctx.Err(); err != nil {
			d.limiter.Release()
			d.release(claimed[i:])
			roundErr = err
			break
		}
		if err := d.q.MarkInFlight(it.Seq); err != nil {
			d.limiter.Release()
			d.logger.Error("mark in flight failed", "round", round, "seq", it.Seq, "error", err)
			d.release(claimed[i : i+1])
			continue
		}
		sum.Attempted++
		ordinal := sum.Attempted

		eg.Go(func() error {
			defer d.limiter.Release()
			st, interrupted := d.sendOne(ctx, round, it, ordinal)
			record(st, interrupted)
			return nil
		})
	}
	_ = eg.Wait()

	sum.Finished = time.Now()
	if roundErr == nil && sum.Interrupted > 0 {
		roundErr = ctx.Err()
	}

	result := "completed"
	if roundErr != nil {
		result = "cancelled"
	}
	if d.metrics != nil {
		d.metrics.Rounds.Inc(result)
	}
	d.logger.Info("round "+result,
		"round", round,
		"kind", d.kind,
		"attempted", sum.Attempted,
		"interrupted", sum.Interrupted,
		"counts", countsAttr(sum.Counts),
		"duration_ms", sum.Duration().Milliseconds(),
	)
	final := sum
	d.notify(Event{Type: EventRoundFinished, Round: round, Summary: &final, Time: sum.Finished})

	if roundErr != nil {
		return sum, fmt.Errorf("dispatcher: round %s cancelled: %w", round, roundErr)
	}
	return sum, nil
}

// sendOne performs one send for an in_flight item and resolves it. It
// reports the resolved status, or interrupted=true when the item was reverted
// because the round context ended first.
func (d *Dispatcher) sendOne(ctx context.Context, round string, it types.Item, ordinal int) (st types.Status, interrupted bool) {
	if d.metrics != nil {
		d.metrics.Attempts.Inc(d.kind)
		d.metrics.InFlight.Inc(d.kind)
		defer d.metrics.InFlight.Dec(d.kind)
	}
	d.notify(Event{Type: EventItemSending, Round: round, Seq: it.Seq, Status: types.StatusInFlight, Time: time.Now()})

	start := time.Now()
	resp, err := d.call(ctx, it)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		if rerr := d.q.Revert(it.Seq); rerr != nil {
			d.logger.Error("revert failed", "round", round, "seq", it.Seq, "error", rerr)
		}
		d.logger.Warn("send interrupted", "round", round, "seq", it.Seq, "error", err)
		d.notify(Event{Type: EventItemResolved, Round: round, Seq: it.Seq, Status: types.StatusPending, Time: time.Now()})
		return types.StatusPending, true
	}

	res := types.Result{Status: classify.Outcome(resp.Code, err)}
	if err != nil {
		res.ResponseBody = []byte(err.Error())
	} else {
		res.HasResponse = true
		res.ResponseCode = resp.Code
		res.ResponseBody = resp.Body
	}
	if rerr := d.q.Resolve(it.Seq, res); rerr != nil {
		d.logger.Error("resolve failed", "round", round, "seq", it.Seq, "error", rerr)
	}

	if d.metrics != nil {
		key := metrics.OutcomeKey(d.kind, res.Status.String())
		d.metrics.Outcomes.Inc(key)
		d.metrics.SendDurMs.Add(key, elapsed.Milliseconds())
		d.metrics.SendDurCnt.Inc(key)
	}

	attrs := []any{
		"round", round,
		"seq", it.Seq,
		"ordinal", ordinal,
		"status", res.Status,
		"duration_ms", elapsed.Milliseconds(),
	}
	if res.HasResponse {
		attrs = append(attrs, "code", res.ResponseCode)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	d.logger.Info(d.kind+" sent", attrs...)

	d.notify(Event{
		Type:         EventItemResolved,
		Round:        round,
		Seq:          it.Seq,
		Status:       res.Status,
		ResponseCode: res.ResponseCode,
		Time:         time.Now(),
	})
	return res.Status, false
}

// call runs the transport under the per-request deadline. A panicking
// transport is turned into an error so the item never stays in_flight.
func (d *Dispatcher) call(ctx context.Context, it types.Item) (resp remote.Response, err error) {
	ictx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher: transport panic: %v", r)
		}
	}()
	return d.transport.Send(ictx, it.Destination, it.Payload)
}

// release unclaims items that were claimed but never started.
func (d *Dispatcher) release(items []types.Item) {
	for _, it := range items {
		if err := d.q.Unclaim(it.Seq); err != nil {
			d.logger.Error("unclaim failed", "seq", it.Seq, "error", err)
		}
	}
}

func (d *Dispatcher) notify(ev Event) {
	ev.Kind = d.kind
	for _, o := range d.observers {
		o.Observe(ev)
	}
}

// countsAttr renders status counts as a log group.
func countsAttr(counts map[types.Status]int) slog.Value {
	attrs := make([]slog.Attr, 0, len(counts))
	for _, s := range types.AllStatuses {
		if n, ok := counts[s]; ok {
			attrs = append(attrs, slog.Int(s.String(), n))
		}
	}
	return slog.GroupValue(attrs...)
}
