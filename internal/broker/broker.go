// Package broker is the central orchestrator for BatchQ.
//
// Application code talks to the Broker, never directly to the queue,
// dispatcher or journal. The broker builds all three from one config.Config.
//
// Data flow:
//
//	Caller → Broker.Append*  → queue.Queue.Append → storage.Journal
//	Caller → Broker.Send     → dispatcher.Dispatcher.Send → remote.Transport
//	Caller → Broker.Items    → queue.Queue.Select
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/snehjoshi/batchq/internal/config"
	"github.com/snehjoshi/batchq/internal/dispatcher"
	"github.com/snehjoshi/batchq/internal/metrics"
	"github.com/snehjoshi/batchq/internal/queue"
	"github.com/snehjoshi/batchq/internal/remote"
	"github.com/snehjoshi/batchq/internal/storage/local"
	"github.com/snehjoshi/batchq/internal/types"
	"github.com/snehjoshi/batchq/internal/validate"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrRoundInProgress is returned by Send while another round started
	// through the broker is still running.
	ErrRoundInProgress = errors.New("broker: a send round is already running")
	// ErrWrongKind is returned when an append does not match endpoint.kind.
	ErrWrongKind = errors.New("broker: item kind does not match the endpoint")
)

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry so that every send updates the
// dispatch counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithObserver forwards dispatcher progress events to o.
func WithObserver(o dispatcher.Observer) Option {
	return func(b *Broker) { b.observers = append(b.observers, o) }
}

// WithTransport replaces the HTTP transport built from the endpoint config.
func WithTransport(t remote.Transport) Option {
	return func(b *Broker) { b.transport = t }
}

// WithLogger sets the logger handed to the queue and dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires together the queue, the dispatcher and the optional journal
// into a single façade used by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg     *config.Config
	q       *queue.Queue
	d       *dispatcher.Dispatcher
	journal *local.Journal // nil when journal.path is empty

	transport remote.Transport
	metrics   *metrics.Registry
	observers []dispatcher.Observer
	logger    *slog.Logger

	running atomic.Bool
}

// New builds a Broker from cfg. When cfg.Journal.Path names an existing
// journal, its items are restored and the batch continues where it stopped.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	b := &Broker{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}

	validator, err := newValidator(cfg)
	if err != nil {
		return nil, err
	}
	qopts := []queue.Option{queue.WithValidator(validator), queue.WithLogger(b.logger)}

	if cfg.Journal.Path != "" {
		j, err := local.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.journal = j
		if j.Len() > 0 {
			b.q, err = queue.Restore(j, qopts...)
			if err == nil {
				b.logger.Info("journal restored",
					"path", j.Path(),
					"run_id", j.RunID(),
					"items", b.q.Size(),
				)
			}
		} else {
			b.q, err = queue.New(append(qopts, queue.WithJournal(j))...)
		}
		if err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("broker: %w", err)
		}
	} else {
		if b.q, err = queue.New(qopts...); err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
	}

	if b.transport == nil {
		if b.transport, err = newTransport(cfg); err != nil {
			_ = b.Close()
			return nil, err
		}
	}

	dopts := []dispatcher.Option{
		dispatcher.WithMaxConcurrency(cfg.Dispatcher.MaxConcurrency),
		dispatcher.WithTimeout(cfg.Timeout()),
		dispatcher.WithKind(cfg.Endpoint.Kind),
		dispatcher.WithLogger(b.logger),
		dispatcher.WithMetrics(b.metrics),
	}
	for _, o := range b.observers {
		dopts = append(dopts, dispatcher.WithObserver(o))
	}
	if b.d, err = dispatcher.New(b.q, b.transport, dopts...); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("broker: %w", err)
	}
	return b, nil
}

// newValidator checks both halves of an item: the destination against the
// endpoint layout and the payload against the message shape.
func newValidator(cfg *config.Config) (validate.Validator, error) {
	if cfg.Endpoint.Kind == config.KindFile {
		return remote.FileValidator(), nil
	}
	payload, err := validate.ForMessage(cfg.Endpoint.MessageType, cfg.Endpoint.Template)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return validate.All(remote.MessageValidator(cfg.Endpoint.MessageType, cfg.Endpoint.Template), payload), nil
}

func transportOptions(e config.EndpointConfig) []remote.Option {
	return []remote.Option{
		remote.WithBasicAuth(e.User, e.Password),
		remote.WithSigningSecret(e.SigningSecret),
		remote.WithRateLimit(e.RateLimitRPS, e.RateLimitBurst),
	}
}

func newTransport(cfg *config.Config) (remote.Transport, error) {
	e := cfg.Endpoint
	var (
		t   remote.Transport
		err error
	)
	if e.Kind == config.KindFile {
		t, err = remote.NewFileUploader(e.BaseURL, transportOptions(e)...)
	} else {
		t, err = remote.NewMessageSender(e.BaseURL, transportOptions(e)...)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return t, nil
}

// NewTemplateStore returns a template store for the configured message type,
// authenticated the same way as the message transport.
func NewTemplateStore(cfg *config.Config) (*remote.TemplateStore, error) {
	if cfg.Endpoint.Kind != config.KindMessage {
		return nil, fmt.Errorf("%w: templates need a message endpoint", ErrWrongKind)
	}
	s, err := remote.NewTemplateStore(cfg.Endpoint.BaseURL, cfg.Endpoint.MessageType, transportOptions(cfg.Endpoint)...)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return s, nil
}

// Close closes the journal, if any.
func (b *Broker) Close() error {
	if b.journal == nil {
		return nil
	}
	return b.journal.Close()
}

// ─── Append ───────────────────────────────────────────────────────────────────

// Append queues an item with an explicit destination.
func (b *Broker) Append(dest types.Destination, payload []byte) (uint64, error) {
	return b.q.Append(dest, payload)
}

// AppendMessage queues a message for one recipient using the configured
// message type and template.
func (b *Broker) AppendMessage(recipientType, recipientID string, body []byte) (uint64, error) {
	if b.cfg.Endpoint.Kind != config.KindMessage {
		return 0, fmt.Errorf("%w: endpoint kind is %q", ErrWrongKind, b.cfg.Endpoint.Kind)
	}
	dest, err := remote.MessageDestination(b.cfg.Endpoint.MessageType, b.cfg.Endpoint.Template, recipientType, recipientID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", queue.ErrValidation, err)
	}
	return b.q.Append(dest, body)
}

// AppendFile queues one file upload.
func (b *Broker) AppendFile(meta remote.FileMeta, content []byte) (uint64, error) {
	if b.cfg.Endpoint.Kind != config.KindFile {
		return 0, fmt.Errorf("%w: endpoint kind is %q", ErrWrongKind, b.cfg.Endpoint.Kind)
	}
	return b.q.Append(remote.FileDestination(meta), content)
}

// ─── Send ─────────────────────────────────────────────────────────────────────

// Send runs one dispatcher round. Only one round started through the broker
// runs at a time; a second call returns ErrRoundInProgress.
func (b *Broker) Send(ctx context.Context, statuses ...types.Status) (dispatcher.Summary, error) {
	if !b.running.CompareAndSwap(false, true) {
		return dispatcher.Summary{}, ErrRoundInProgress
	}
	defer b.running.Store(false)
	return b.d.Send(ctx, statuses...)
}

// Running reports whether a round is in progress.
func (b *Broker) Running() bool { return b.running.Load() }

// ─── Inspection ───────────────────────────────────────────────────────────────

// Items returns copies of the items whose status is in statuses (all items
// when none are given), in sequence order.
func (b *Broker) Items(statuses ...types.Status) []types.Item {
	return b.q.Select(statuses...)
}

// Counts returns the number of items per status.
func (b *Broker) Counts() map[types.Status]int { return b.q.Counts() }

// Size returns the number of items ever queued.
func (b *Broker) Size() int { return b.q.Size() }

// Queue exposes the underlying queue (for the report writers).
func (b *Broker) Queue() *queue.Queue { return b.q }

// Dispatcher exposes the underlying dispatcher.
func (b *Broker) Dispatcher() *dispatcher.Dispatcher { return b.d }

// RunID returns the journal's run ID, or "" without a journal.
func (b *Broker) RunID() string {
	if b.journal == nil {
		return ""
	}
	return b.journal.RunID()
}

// Config returns the configuration the broker was built from.
func (b *Broker) Config() *config.Config { return b.cfg }
