// Package clock abstracts wall time so the session timer and the record
// timestamps can be driven deterministically in tests.
//
// Production code receives Real(); tests receive Fake() and move time
// forward explicitly with Advance.
package clock

import "time"

// Clock is the subset of the time package the tracker needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0,
	// matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. The C channel has capacity 1; a slow
// consumer loses ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
