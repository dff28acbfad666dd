package lytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/lytics/internal/device"
	"github.com/roach88/lytics/internal/dispatch"
	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/identity"
	"github.com/roach88/lytics/internal/metrics"
	"github.com/roach88/lytics/internal/recorder"
	"github.com/roach88/lytics/internal/session"
	"github.com/roach88/lytics/internal/settings"
	"github.com/roach88/lytics/internal/store"
	"github.com/roach88/lytics/internal/transport"
)

var (
	// ErrAlreadyStarted is returned by every Start after the first
	// successful one.
	ErrAlreadyStarted = errors.New("lytics: tracker already started")

	// ErrNotStarted is returned by Flush before a successful Start.
	ErrNotStarted = errors.New("lytics: tracker not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lytics: tracker closed")

	// ErrFlushInProgress is returned by Flush when a flush is already
	// running; that flush covers the request.
	ErrFlushInProgress = dispatch.ErrFlushInProgress
)

// Tracker records sessions and events and delivers them in the
// background. Until Start succeeds every method is a no-op.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	opts options

	mu      sync.RWMutex
	started bool
	closed  bool

	store      *store.Store
	timer      *session.Timer
	recorder   *recorder.Recorder
	dispatcher *dispatch.Dispatcher
	identity   *identity.Manager
	metrics    *metrics.Instruments

	cancel    context.CancelFunc
	runDone   chan struct{}
	closeDone chan struct{}
}

// New creates a disabled Tracker. Call Start to enable it.
func New(opts ...Option) *Tracker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Tracker{opts: o}
}

// Start opens the queue and begins background delivery to host for
// accountID. The first successful Start wins; later calls return
// ErrAlreadyStarted. On error the tracker stays disabled and Start may
// be called again.
func (t *Tracker) Start(ctx context.Context, accountID, host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.started {
		t.opts.logger.Warn("tracker already started, ignoring Start",
			"account_id", accountID,
			"host", host)
		return ErrAlreadyStarted
	}

	accountID = strings.TrimSpace(accountID)
	host = strings.TrimSpace(host)
	if accountID == "" {
		return errors.New("lytics: account id is required")
	}
	if _, err := transport.Endpoint(host, accountID); err != nil {
		return fmt.Errorf("lytics: %w", err)
	}

	o := t.opts
	provider := o.settings
	if provider == nil {
		loaded, err := settings.Load(o.settingsFile)
		if err != nil {
			return fmt.Errorf("lytics: %w", err)
		}
		provider = loaded
	}

	inst, err := metrics.New(o.meterProvider)
	if err != nil {
		return fmt.Errorf("lytics: %w", err)
	}

	tr := o.transport
	if tr == nil {
		h, err := transport.NewHTTP(
			transport.WithTimeout(o.requestTimeout),
			transport.WithCompression(o.compression),
			transport.WithLogger(o.logger),
		)
		if err != nil {
			return fmt.Errorf("lytics: %w", err)
		}
		tr = h
	}

	st, err := store.Open(o.storePath, store.WithCap(o.queueCap), store.WithLogger(o.logger))
	if err != nil {
		return fmt.Errorf("lytics: open queue: %w", err)
	}
	if err := inst.ObserveEvicted(st.Evicted); err != nil {
		st.Close()
		return fmt.Errorf("lytics: %w", err)
	}

	deviceMetrics := o.deviceMetrics
	if deviceMetrics == nil {
		deviceMetrics = device.Collect(ctx, o.logger)
	}

	ids := identity.New(st, o.generateUUID)
	d := dispatch.New(st, tr,
		dispatch.Target{Host: host, AccountID: accountID},
		dispatch.WithBatchSize(o.batchSize),
		dispatch.WithDeviceID(func(ctx context.Context) string {
			id, err := ids.Get(ctx)
			if err != nil {
				t.report(err)
			}
			return id
		}),
		dispatch.WithDeviceMetrics(deviceMetrics),
		dispatch.WithMetrics(inst),
		dispatch.WithLogger(o.logger),
	)

	t.store = st
	t.identity = ids
	t.metrics = inst
	t.dispatcher = d
	t.recorder = recorder.New(st,
		recorder.WithSettings(provider),
		recorder.WithClock(o.clock),
		recorder.WithLogger(o.logger),
	)
	t.timer = session.NewTimer(o.clock,
		session.WithInterval(o.tickInterval),
		session.WithLogger(o.logger),
		session.WithHooks(session.Hooks{
			OnTick:   func() { d.Trigger(dispatch.ReasonTick) },
			OnResume: func() { d.Trigger(dispatch.ReasonResume) },
		}),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.runDone = make(chan struct{})
	go func() {
		defer close(t.runDone)
		_ = d.Run(runCtx)
	}()

	t.started = true
	o.logger.Info("tracker started",
		"account_id", accountID,
		"host", host,
		"store", o.storePath)

	// Deliver whatever a previous run left behind.
	d.Trigger(dispatch.ReasonStart)
	return nil
}

// live reports whether the tracker is started and not closed. Callers
// hold mu for reading.
func (t *Tracker) live() bool {
	return t.started && !t.closed
}

// StartSession begins a session. No-op while one is active.
func (t *Tracker) StartSession() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return
	}
	t.timer.Start()
}

// EndSession finalizes the active session into a session_end record and
// requests a flush. No-op without an active session.
func (t *Tracker) EndSession() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return
	}

	summary, ok := t.timer.End()
	if !ok {
		return
	}

	ctx := context.Background()
	rec, err := t.recorder.RecordSessionEnd(ctx, summary)
	if err != nil {
		t.drop(ctx, err)
	} else {
		t.metrics.Recorded(ctx, string(rec.Kind))
	}
	t.dispatcher.Trigger(dispatch.ReasonSessionEnd)
}

// Suspend stops the active session's clock, e.g. when the host goes to
// the background.
func (t *Tracker) Suspend() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return
	}
	t.timer.Suspend()
}

// Resume restarts the session clock and requests a flush.
func (t *Tracker) Resume() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return
	}
	t.timer.Resume()
}

// SessionTime returns the active session's duration excluding suspended
// time, or the last session's final duration when none is active.
func (t *Tracker) SessionTime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return 0
	}
	return t.timer.Elapsed()
}

// RecordEvent queues a named event. Invalid input and storage failures
// are logged and passed to the ErrorHandler; the event is dropped.
func (t *Tracker) RecordEvent(key string, opts ...EventOption) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return
	}

	var eo eventOptions
	for _, opt := range opts {
		opt(&eo)
	}

	ctx := context.Background()
	rec, err := t.recorder.Record(ctx, key, eo.categories, eo.parameters)
	if err != nil {
		t.drop(ctx, err)
		return
	}
	t.metrics.Recorded(ctx, string(rec.Kind))
}

// UUID returns the device identifier, generating it if enabled and
// absent. Empty when disabled or unset.
func (t *Tracker) UUID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return ""
	}
	id, err := t.identity.Get(context.Background())
	if err != nil {
		t.report(err)
		return ""
	}
	return id
}

// SetUUID overrides and persists the device identifier. Empty clears it.
func (t *Tracker) SetUUID(id string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return
	}
	if err := t.identity.Set(context.Background(), id); err != nil {
		t.report(err)
	}
}

// Flush sends queued records now, batch by batch, until the queue is
// empty or a send fails. Returns the number of records delivered.
func (t *Tracker) Flush(ctx context.Context) (int64, error) {
	t.mu.RLock()
	closed, started, d := t.closed, t.started, t.dispatcher
	t.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if !started {
		return 0, ErrNotStarted
	}

	var delivered int64
	for {
		res, err := d.Flush(ctx)
		delivered += res.Delivered
		if errors.Is(err, dispatch.ErrStopped) {
			return delivered, ErrClosed
		}
		if err != nil {
			return delivered, err
		}
		if res.Sent == 0 || res.Remaining == 0 {
			return delivered, nil
		}
	}
}

// QueueSize returns the number of records waiting for delivery.
func (t *Tracker) QueueSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.live() {
		return 0
	}
	n, err := t.store.Size(context.Background())
	if err != nil {
		t.report(err)
		return 0
	}
	return n
}

// Close stops background delivery and closes the queue. An active
// session is discarded, not recorded; call EndSession first to keep it.
// A flush in flight is allowed to finish. The tracker turns into a no-op
// as soon as Close is called, so other methods never wait on that flush.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		done := t.closeDone
		t.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	t.closed = true
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	t.closeDone = done
	t.mu.Unlock()
	defer close(done)

	if _, ok := t.timer.End(); ok {
		t.opts.logger.Debug("active session discarded at close")
	}
	t.cancel()
	<-t.runDone
	t.dispatcher.Stop()

	if err := t.store.Close(); err != nil {
		return fmt.Errorf("lytics: close queue: %w", err)
	}
	t.opts.logger.Info("tracker closed")
	return nil
}

// drop reports an error that cost a record.
func (t *Tracker) drop(ctx context.Context, err error) {
	reason := "unknown"
	var e *event.Error
	if errors.As(err, &e) {
		reason = string(e.Code)
	}
	t.metrics.Dropped(ctx, reason)
	t.report(err)
}

// report logs a swallowed error and hands it to the ErrorHandler.
func (t *Tracker) report(err error) {
	t.opts.logger.Warn("lytics error", "error", err)
	if t.opts.errorHandler != nil {
		t.opts.errorHandler(err)
	}
}
