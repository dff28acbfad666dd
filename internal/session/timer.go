// Package session tracks foreground time for the current session.
//
// The Timer is a mutex-guarded state machine. Ticks from the clock are
// delivered to one goroutine that folds elapsed time into the session
// under the same mutex as Suspend, Resume and End, so no callback ever
// mutates session state concurrently with the caller.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lytics/internal/clock"
)

// DefaultTickInterval is how often an active session folds elapsed time
// and asks for a flush.
const DefaultTickInterval = 60 * time.Second

// Summary describes a finished session.
type Summary struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Hooks are invoked outside the timer's lock.
type Hooks struct {
	// OnTick runs after every tick of an active session.
	OnTick func()
	// OnResume runs when a suspended session returns to the foreground.
	OnResume func()
}

// Timer accumulates active time for at most one session.
type Timer struct {
	clock    clock.Clock
	interval time.Duration
	hooks    Hooks
	logger   *slog.Logger

	mu          sync.Mutex
	active      bool
	start       time.Time
	lastMark    time.Time
	accumulated time.Duration
	suspended   bool
	last        time.Duration // duration of the most recently ended session
	generation  uint64        // bumped by every Start

	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Timer.
type Option func(*Timer)

// WithInterval sets the tick interval. A non-positive interval disables
// ticking; End still computes the duration from the wall clock.
func WithInterval(d time.Duration) Option {
	return func(t *Timer) {
		t.interval = d
	}
}

// WithHooks sets the tick and resume callbacks.
func WithHooks(h Hooks) Option {
	return func(t *Timer) {
		t.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timer) {
		t.logger = l
	}
}

// NewTimer creates an idle Timer.
func NewTimer(c clock.Clock, opts ...Option) *Timer {
	t := &Timer{
		clock:    c,
		interval: DefaultTickInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins a session. Returns false (and changes nothing) if one is
// already active.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return false
	}

	now := t.clock.Now()
	t.active = true
	t.start = now
	t.lastMark = now
	t.accumulated = 0
	t.suspended = false
	t.generation++

	if t.interval > 0 {
		t.ticker = t.clock.NewTicker(t.interval)
		t.stop = make(chan struct{})
		t.done = make(chan struct{})
		go t.run(t.generation, t.ticker, t.stop, t.done)
	} else {
		t.logger.Debug("session ticks disabled, duration computed at end",
			"interval", t.interval,
		)
	}

	t.logger.Debug("session started", "start", now)
	return true
}

// End stops the tick loop and finalizes the session. Returns false when
// no session is active.
func (t *Timer) End() (Summary, bool) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return Summary{}, false
	}

	ticker, stop, done := t.ticker, t.stop, t.done
	t.ticker, t.stop, t.done = nil, nil, nil

	now := t.clock.Now()
	t.foldLocked(now)
	summary := Summary{Start: t.start, End: now, Duration: t.accumulated}

	t.active = false
	t.suspended = false
	t.last = t.accumulated
	t.mu.Unlock()

	// The tick goroutine takes mu, so wait for it only after unlocking.
	if ticker != nil {
		ticker.Stop()
		close(stop)
		<-done
	}

	t.logger.Debug("session ended", "duration", summary.Duration)
	return summary, true
}

// Suspend stops time from accumulating until Resume.
func (t *Timer) Suspend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.suspended {
		return false
	}
	t.foldLocked(t.clock.Now())
	t.suspended = true
	return true
}

// Resume restarts accumulation and fires the OnResume hook.
func (t *Timer) Resume() bool {
	t.mu.Lock()
	if !t.active || !t.suspended {
		t.mu.Unlock()
		return false
	}
	t.lastMark = t.clock.Now()
	t.suspended = false
	t.mu.Unlock()

	if t.hooks.OnResume != nil {
		t.hooks.OnResume()
	}
	return true
}

// Elapsed returns the live duration of the active session, or the final
// duration of the last one. It only reads the clock.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return t.last
	}
	elapsed := t.accumulated
	if !t.suspended {
		elapsed += t.clock.Now().Sub(t.lastMark)
	}
	return elapsed
}

// Active reports whether a session is in progress.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Suspended reports whether the active session is suspended.
func (t *Timer) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

// foldLocked moves time since lastMark into accumulated. Suspended time
// is skipped. Caller holds mu.
func (t *Timer) foldLocked(now time.Time) {
	if !t.suspended {
		if delta := now.Sub(t.lastMark); delta > 0 {
			t.accumulated += delta
		}
	}
	t.lastMark = now
}

// run is the tick loop for one session.
func (t *Timer) run(generation uint64, ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.tick(generation) {
				return
			}
			if t.hooks.OnTick != nil {
				t.hooks.OnTick()
			}
		}
	}
}

// tick folds elapsed time. Returns false if the session it belongs to
// ended while the tick was pending.
func (t *Timer) tick(generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.generation != generation {
		return false
	}
	t.foldLocked(t.clock.Now())
	return true
}
