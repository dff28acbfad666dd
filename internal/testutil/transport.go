// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/store"
	"github.com/roach88/lytics/internal/transport"
)

// RecordingTransport is an in-memory transport.Transport. It keeps every
// accepted batch, can be told to fail, and can hold sends open so tests
// observe a flush in flight.
//
// Thread-safety: all methods are safe for concurrent use.
type RecordingTransport struct {
	mu          sync.Mutex
	batches     []transport.Batch
	calls       int
	failWith    error
	hold        chan struct{}
	entered     chan struct{}
	inFlight    int
	maxInFlight int
}

// NewRecordingTransport returns a transport that accepts everything.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{entered: make(chan struct{}, 64)}
}

// Send implements transport.Transport.
func (r *RecordingTransport) Send(ctx context.Context, b transport.Batch) error {
	r.mu.Lock()
	r.calls++
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	hold := r.hold
	r.mu.Unlock()

	select {
	case r.entered <- struct{}{}:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if r.failWith != nil {
		return r.failWith
	}
	r.batches = append(r.batches, b)
	return nil
}

// FailWith makes every later Send return err. nil restores success.
func (r *RecordingTransport) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// Hold makes later Sends block until Unblock is called.
func (r *RecordingTransport) Hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = make(chan struct{})
}

// Unblock releases held Sends.
func (r *RecordingTransport) Unblock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hold != nil {
		close(r.hold)
		r.hold = nil
	}
}

// Entered receives once per Send call, as the call starts.
func (r *RecordingTransport) Entered() <-chan struct{} {
	return r.entered
}

// Calls returns the number of Send calls, including failed ones.
func (r *RecordingTransport) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// MaxInFlight returns the highest number of concurrent Sends observed.
func (r *RecordingTransport) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

// Batches returns the accepted batches in order.
func (r *RecordingTransport) Batches() []transport.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Batch(nil), r.batches...)
}

// Payload is the decoded form of an accepted batch.
type Payload struct {
	AccountID  string            `json:"account_id"`
	DeviceID   string            `json:"device_id"`
	Metrics    map[string]string `json:"metrics"`
	SDKVersion string            `json:"sdk_version"`
	Records    []struct {
		Seq             int64          `json:"seq"`
		Kind            string         `json:"kind"`
		Key             string         `json:"key"`
		Categories      []string       `json:"categories"`
		Parameters      map[string]any `json:"parameters"`
		Timestamp       int64          `json:"timestamp"`
		SessionStart    int64          `json:"session_start"`
		SessionDuration int64          `json:"session_duration"`
	} `json:"records"`
}

// Payloads decodes every accepted batch.
func (r *RecordingTransport) Payloads(t testing.TB) []Payload {
	t.Helper()
	batches := r.Batches()
	out := make([]Payload, len(batches))
	for i, b := range batches {
		if err := json.Unmarshal(b.Payload, &out[i]); err != nil {
			t.Fatalf("decode batch %d: %v", i, err)
		}
	}
	return out
}

// DeliveredKeys returns the record keys of every accepted batch in order.
func (r *RecordingTransport) DeliveredKeys(t testing.TB) []string {
	t.Helper()
	var keys []string
	for _, p := range r.Payloads(t) {
		for _, rec := range p.Records {
			keys = append(keys, rec.Key)
		}
	}
	return keys
}

// OpenStore opens a queue store in a temp directory, closed on cleanup.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// AppendEvents appends events keyed prefix-1..prefix-n.
func AppendEvents(t testing.TB, s *store.Store, prefix string, n int) []event.Record {
	t.Helper()
	out := make([]event.Record, 0, n)
	for i := 1; i <= n; i++ {
		rec, err := s.Append(context.Background(), event.Record{
			Kind:       event.KindEvent,
			Key:        fmt.Sprintf("%s-%d", prefix, i),
			Categories: []string{event.AllCategory},
			Parameters: event.Parameters{"i": int64(i)},
			Timestamp:  time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}
