// Package dispatch moves queued records to the transport.
//
// A Dispatcher has one Run goroutine fed by coalescing triggers. Each
// attempt leases the oldest batch, sends it, and acknowledges it on
// success or releases it on failure, so a failed send leaves the queue
// exactly as it was. At most one attempt is in flight at any time.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/metrics"
	"github.com/roach88/lytics/internal/store"
	"github.com/roach88/lytics/internal/transport"
)

// DefaultBatchSize is the number of records sent per request.
const DefaultBatchSize = 50

var (
	// ErrFlushInProgress is returned by Flush when another attempt holds
	// the queue. The caller's request is covered by that attempt.
	ErrFlushInProgress = errors.New("dispatch: flush already in progress")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("dispatch: stopped")
)

// Reason says why a flush was requested.
type Reason string

const (
	ReasonTick       Reason = "tick"
	ReasonSessionEnd Reason = "session_end"
	ReasonResume     Reason = "resume"
	ReasonManual     Reason = "manual"
	ReasonStart      Reason = "start"
)

// State is the dispatcher's externally visible state.
type State int32

const (
	// StateIdle means no attempt is running and the last one drained the queue.
	StateIdle State = iota
	// StateFlushing means an attempt is in flight.
	StateFlushing
	// StateIdlePending means no attempt is running but records are known
	// to remain, typically after a failed send.
	StateIdlePending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StateIdlePending:
		return "idle_pending"
	default:
		return "unknown"
	}
}

// Queue is the subset of the store the dispatcher drives.
type Queue interface {
	Lease(ctx context.Context, max int) ([]event.Record, error)
	Acknowledge(ctx context.Context, upTo int64) (int64, error)
	Release()
	Size(ctx context.Context) (int64, error)
}

// Target addresses the collection endpoint.
type Target struct {
	Host      string
	AccountID string
}

// Result describes one attempt.
type Result struct {
	Reason    Reason
	Sent      int   // records handed to the transport
	Delivered int64 // records acknowledged
	Remaining int64 // records left in the queue afterwards
}

// Dispatcher drains the queue into a transport.
type Dispatcher struct {
	queue     Queue
	transport transport.Transport
	target    Target
	batchSize int
	deviceID  func(context.Context) string
	device    map[string]string
	metrics   *metrics.Instruments
	logger    *slog.Logger

	signal   chan Reason // buffered, size 1
	flushing atomic.Bool
	state    atomic.Int32

	stopMu  sync.RWMutex
	stopped bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize caps records per request. Non-positive keeps the default.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithDeviceID sets the source of the payload's device_id. It is called
// once per attempt; an empty result omits the field.
func WithDeviceID(fn func(context.Context) string) Option {
	return func(d *Dispatcher) { d.deviceID = fn }
}

// WithDeviceMetrics attaches static device metrics to every payload.
func WithDeviceMetrics(m map[string]string) Option {
	return func(d *Dispatcher) { d.device = m }
}

// WithMetrics sets the counters.
func WithMetrics(m *metrics.Instruments) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Dispatcher. Call Run in its own goroutine.
func New(q Queue, t transport.Transport, target Target, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:     q,
		transport: t,
		target:    target,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		signal:    make(chan Reason, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger requests a flush without blocking. Requests made while one is
// already pending coalesce into it.
func (d *Dispatcher) Trigger(reason Reason) {
	select {
	case d.signal <- reason:
	default:
	}
}

// State returns the current state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Run processes triggers until ctx is cancelled. Each trigger drains the
// queue batch by batch until it is empty or a send fails; the next
// trigger retries. A send that has started finishes even if ctx is
// cancelled mid-flight.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug("dispatcher starting", "batch_size", d.batchSize)
	sendCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("dispatcher stopping: context cancelled")
			return ctx.Err()

		case reason := <-d.signal:
			d.drain(ctx, sendCtx, reason)
		}
	}
}

// drain runs attempts until the queue is empty, a send fails, or ctx is
// cancelled between batches.
func (d *Dispatcher) drain(ctx, sendCtx context.Context, reason Reason) {
	for ctx.Err() == nil {
		res, err := d.attempt(sendCtx, reason)
		if err != nil {
			if !errors.Is(err, ErrFlushInProgress) && !errors.Is(err, ErrStopped) {
				d.logger.Warn("flush failed",
					"reason", reason,
					"records", res.Sent,
					"error", err)
			}
			return
		}
		if res.Sent == 0 || res.Remaining == 0 {
			return
		}
	}
}

// Flush makes one synchronous attempt outside the Run loop.
func (d *Dispatcher) Flush(ctx context.Context) (Result, error) {
	return d.attempt(ctx, ReasonManual)
}

// Stop waits for an in-flight attempt and refuses new ones.
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	d.stopped = true
}

// attempt sends one batch. Only one attempt runs at a time.
func (d *Dispatcher) attempt(ctx context.Context, reason Reason) (Result, error) {
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		return Result{Reason: reason}, ErrStopped
	}

	if !d.flushing.CompareAndSwap(false, true) {
		return Result{Reason: reason}, ErrFlushInProgress
	}
	defer d.flushing.Store(false)
	d.state.Store(int32(StateFlushing))

	res := Result{Reason: reason}
	records, err := d.queue.Lease(ctx, d.batchSize)
	if errors.Is(err, store.ErrLeaseHeld) {
		d.state.Store(int32(StateIdlePending))
		return res, ErrFlushInProgress
	}
	if err != nil {
		d.state.Store(int32(StateIdlePending))
		return res, err
	}
	if len(records) == 0 {
		d.state.Store(int32(StateIdle))
		return res, nil
	}

	res.Sent = len(records)
	first, last := records[0].Seq, records[len(records)-1].Seq

	env := event.Envelope{
		AccountID: d.target.AccountID,
		Metrics:   d.device,
		Records:   records,
	}
	if d.deviceID != nil {
		env.DeviceID = d.deviceID(ctx)
	}
	payload, err := event.EncodeEnvelope(env)
	if err != nil {
		d.queue.Release()
		d.state.Store(int32(StateIdlePending))
		return res, err
	}

	d.metrics.FlushAttempt(ctx, string(reason))
	err = d.transport.Send(ctx, transport.Batch{
		Host:      d.target.Host,
		AccountID: d.target.AccountID,
		FirstSeq:  first,
		LastSeq:   last,
		Count:     len(records),
		Payload:   payload,
	})
	if err != nil {
		d.queue.Release()
		d.metrics.FlushFailure(ctx)
		d.state.Store(int32(StateIdlePending))
		if !event.IsTransportFailure(err) {
			err = event.NewTransportFailure("send batch", err)
		}
		return res, err
	}

	removed, err := d.queue.Acknowledge(ctx, last)
	if err != nil {
		// The server has the batch; it will be resent and deduplicated
		// by digest.
		d.queue.Release()
		d.state.Store(int32(StateIdlePending))
		return res, err
	}
	res.Delivered = removed
	d.metrics.Delivered(ctx, removed)

	remaining, err := d.queue.Size(ctx)
	if err != nil {
		d.state.Store(int32(StateIdlePending))
		return res, err
	}
	res.Remaining = remaining
	if remaining > 0 {
		d.state.Store(int32(StateIdlePending))
	} else {
		d.state.Store(int32(StateIdle))
	}

	d.logger.Debug("batch flushed",
		"reason", reason,
		"first_seq", first,
		"last_seq", last,
		"delivered", removed,
		"remaining", remaining)
	return res, nil
}
