package lytics

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roach88/lytics/internal/clock"
	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/metrics"
	"github.com/roach88/lytics/internal/settings"
	"github.com/roach88/lytics/internal/testutil"
)

var epoch = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// newTracker starts a tracker on a temp queue with a recording transport
// and no host probing. Extra options override the defaults.
func newTracker(t *testing.T, rt *testutil.RecordingTransport, opts ...Option) *Tracker {
	t.Helper()
	base := []Option{
		WithStorePath(filepath.Join(t.TempDir(), "queue.db")),
		WithTransport(rt),
		WithDeviceMetrics(map[string]string{}),
		WithTickInterval(0),
	}
	tr := New(append(base, opts...)...)
	require.NoError(t, tr.Start(context.Background(), "acct1", "host.example"))
	t.Cleanup(func() { assert.NoError(t, tr.Close()) })
	return tr
}

// flushAll retries Flush until no other flush holds the queue.
func flushAll(t *testing.T, tr *Tracker) int64 {
	t.Helper()
	var total int64
	require.Eventually(t, func() bool {
		n, err := tr.Flush(context.Background())
		total += n
		if errors.Is(err, ErrFlushInProgress) {
			return false
		}
		require.NoError(t, err)
		return true
	}, waitFor, tick)
	return total
}

func TestScenario_PurchaseThenSessionEnd(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	rt.Hold()
	tr := newTracker(t, rt)
	defer rt.Unblock()

	tr.StartSession()
	tr.RecordEvent("purchase", Category("commerce"), Parameters(map[string]any{"amount": 9.99}))
	tr.EndSession()

	assert.Equal(t, int64(2), tr.QueueSize())

	rt.Unblock()
	require.Eventually(t, func() bool { return tr.QueueSize() == 0 }, waitFor, tick)

	assert.Equal(t, []string{"purchase", event.SessionEndKey}, rt.DeliveredKeys(t))
	for _, b := range rt.Batches() {
		assert.Equal(t, "host.example", b.Host)
		assert.Equal(t, "acct1", b.AccountID)
	}

	var recs []string
	for _, p := range rt.Payloads(t) {
		assert.Equal(t, "acct1", p.AccountID)
		for _, r := range p.Records {
			recs = append(recs, r.Kind)
			if r.Key == "purchase" {
				assert.Equal(t, []string{"commerce"}, r.Categories)
				assert.Equal(t, 9.99, r.Parameters["amount"])
			}
		}
	}
	assert.Equal(t, []string{"event", "session_end"}, recs)
}

func TestScenario_CapKeepsMostRecent(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	rt.FailWith(errors.New("offline"))
	tr := newTracker(t, rt, WithQueueCap(5))

	for _, k := range []string{"e-1", "e-2", "e-3", "e-4", "e-5", "e-6", "e-7"} {
		tr.RecordEvent(k)
	}
	assert.Equal(t, int64(5), tr.QueueSize())

	rt.FailWith(nil)
	assert.Equal(t, int64(5), flushAll(t, tr))
	assert.Equal(t, []string{"e-3", "e-4", "e-5", "e-6", "e-7"}, rt.DeliveredKeys(t))
	assert.Zero(t, tr.QueueSize())
}

func TestSession_DurationExcludesSuspendedTime(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	fc := clock.Fake(epoch)
	tr := newTracker(t, rt, WithClock(fc))

	tr.StartSession()
	fc.Advance(30 * time.Second)
	tr.Suspend()
	fc.Advance(time.Hour)
	assert.Equal(t, 30*time.Second, tr.SessionTime())
	tr.Resume()
	fc.Advance(20 * time.Second)
	assert.Equal(t, 50*time.Second, tr.SessionTime())
	tr.EndSession()
	assert.Equal(t, 50*time.Second, tr.SessionTime(), "last session's duration after end")

	require.Eventually(t, func() bool { return len(rt.DeliveredKeys(t)) == 1 }, waitFor, tick)
	p := rt.Payloads(t)
	rec := p[len(p)-1].Records[0]
	assert.Equal(t, "session_end", rec.Kind)
	assert.Equal(t, int64(50000), rec.SessionDuration)
	assert.Equal(t, epoch.UnixMilli(), rec.SessionStart)
	assert.Equal(t, epoch.Add(time.Hour+50*time.Second).UnixMilli(), rec.Timestamp)
}

func TestSession_TickFlushes(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	fc := clock.Fake(epoch)
	tr := newTracker(t, rt, WithClock(fc), WithTickInterval(time.Minute))

	tr.StartSession()
	tr.RecordEvent("during-session")
	fc.Advance(time.Minute)

	require.Eventually(t, func() bool { return tr.QueueSize() == 0 }, waitFor, tick)
	assert.Equal(t, []string{"during-session"}, rt.DeliveredKeys(t))
	assert.Equal(t, time.Minute, tr.SessionTime())
}

func TestSession_CallsWithoutSessionAreNoops(t *testing.T) {
	tr := newTracker(t, testutil.NewRecordingTransport())

	tr.EndSession()
	tr.Suspend()
	tr.Resume()
	assert.Zero(t, tr.SessionTime())
	assert.Zero(t, tr.QueueSize())
}

func TestStart_SecondCallRejected(t *testing.T) {
	tr := newTracker(t, testutil.NewRecordingTransport())
	err := tr.Start(context.Background(), "other", "other.example")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStart_InvalidArgumentsLeaveTrackerDisabled(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	tr := New(
		WithStorePath(filepath.Join(t.TempDir(), "queue.db")),
		WithTransport(rt),
		WithDeviceMetrics(map[string]string{}),
	)
	t.Cleanup(func() { tr.Close() })
	ctx := context.Background()

	assert.Error(t, tr.Start(ctx, "", "host.example"))
	assert.Error(t, tr.Start(ctx, "acct1", ""))
	assert.Error(t, tr.Start(ctx, "acct1", "  "))

	tr.StartSession()
	tr.RecordEvent("ignored")
	tr.EndSession()
	assert.Zero(t, tr.QueueSize())
	assert.Empty(t, tr.UUID())
	_, err := tr.Flush(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, tr.Start(ctx, "acct1", "host.example"))
	tr.RecordEvent("counted")
	assert.Equal(t, int64(1), tr.QueueSize())
}

func TestNew_UnstartedTrackerIsNoop(t *testing.T) {
	tr := New()
	assert.NotPanics(t, func() {
		tr.StartSession()
		tr.RecordEvent("x", Categories("a", "b"))
		tr.Suspend()
		tr.Resume()
		tr.EndSession()
		tr.SetUUID("id")
	})
	assert.Zero(t, tr.SessionTime())
	assert.Zero(t, tr.QueueSize())
	assert.Empty(t, tr.UUID())
	assert.NoError(t, tr.Close())
}

func TestRecordEvent_InvalidInputGoesToErrorHandler(t *testing.T) {
	var (
		mu   sync.Mutex
		errs []error
	)
	tr := newTracker(t, testutil.NewRecordingTransport(), WithErrorHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}))

	tr.RecordEvent("  ")
	tr.RecordEvent("bad", Parameters(map[string]any{"v": struct{}{}}))
	tr.RecordEvent("good")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, event.IsInvalidEventKind(err), "%v", err)
	}
	assert.Equal(t, int64(1), tr.QueueSize())
}

func TestRecordEvent_CategoryDefaults(t *testing.T) {
	provider, err := settings.NewStatic(map[string]map[string]any{
		"all":      {"app": "demo"},
		"commerce": {"currency": "USD"},
	})
	require.NoError(t, err)
	rt := testutil.NewRecordingTransport()
	tr := newTracker(t, rt, WithSettings(provider))

	tr.RecordEvent("purchase", Category("commerce"), Parameters(map[string]any{"currency": "EUR", "qty": 2}))
	tr.RecordEvent("view")
	flushAll(t, tr)

	var params []map[string]any
	for _, p := range rt.Payloads(t) {
		for _, r := range p.Records {
			params = append(params, r.Parameters)
		}
	}
	require.Len(t, params, 2)
	assert.Equal(t, map[string]any{"app": "demo", "currency": "EUR", "qty": float64(2)}, params[0])
	assert.Equal(t, map[string]any{"app": "demo"}, params[1])
}

func TestUUID_GeneratedPersistedAndOverridden(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	tr := newTracker(t, rt, WithGenerateUUID(true))

	id := tr.UUID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, tr.UUID())

	tr.SetUUID("custom-device")
	assert.Equal(t, "custom-device", tr.UUID())

	tr.RecordEvent("e")
	flushAll(t, tr)
	p := rt.Payloads(t)
	require.NotEmpty(t, p)
	assert.Equal(t, "custom-device", p[len(p)-1].DeviceID)
}

func TestUUID_DisabledGenerationOmitsDeviceID(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	tr := newTracker(t, rt, WithGenerateUUID(false))

	assert.Empty(t, tr.UUID())
	tr.RecordEvent("e")
	flushAll(t, tr)
	p := rt.Payloads(t)
	require.NotEmpty(t, p)
	assert.Empty(t, p[len(p)-1].DeviceID)
}

func TestRestart_QueueSurvivesAndSeqContinues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	offline := testutil.NewRecordingTransport()
	offline.FailWith(errors.New("offline"))

	first := New(WithStorePath(path), WithTransport(offline), WithDeviceMetrics(map[string]string{}))
	require.NoError(t, first.Start(context.Background(), "acct1", "host.example"))
	first.RecordEvent("a")
	first.RecordEvent("b")
	first.StartSession()
	require.NoError(t, first.Close(), "active session is discarded")
	assert.Zero(t, first.QueueSize(), "closed tracker is a no-op")

	online := testutil.NewRecordingTransport()
	second := newTracker(t, online, WithStorePath(path))
	require.Eventually(t, func() bool { return second.QueueSize() == 0 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, online.DeliveredKeys(t))

	second.RecordEvent("c")
	flushAll(t, second)
	p := online.Payloads(t)
	last := p[len(p)-1].Records
	require.Len(t, last, 1)
	assert.Equal(t, int64(3), last[0].Seq)
}

func TestClose_Idempotent(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	tr := New(WithStorePath(filepath.Join(t.TempDir(), "queue.db")), WithTransport(rt), WithDeviceMetrics(map[string]string{}))
	require.NoError(t, tr.Start(context.Background(), "acct1", "host.example"))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	tr.RecordEvent("after")
	_, err := tr.Flush(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Start(context.Background(), "acct1", "host.example"), ErrClosed)
}

func TestClose_WaitsForInFlightFlush(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	rt.Hold()
	tr := New(WithStorePath(filepath.Join(t.TempDir(), "queue.db")), WithTransport(rt), WithDeviceMetrics(map[string]string{}), WithTickInterval(0))
	require.NoError(t, tr.Start(context.Background(), "acct1", "host.example"))

	tr.StartSession()
	tr.RecordEvent("e")
	tr.EndSession()
	select {
	case <-rt.Entered():
	case <-time.After(waitFor):
		t.Fatal("flush never started")
	}

	closed := make(chan error, 1)
	go func() { closed <- tr.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned with a send in flight")
	case <-time.After(50 * time.Millisecond):
	}

	rt.Unblock()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	assert.NotEmpty(t, rt.Batches())
}

func TestClose_RecordingDoesNotWaitForInFlightFlush(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	rt.Hold()
	tr := New(WithStorePath(filepath.Join(t.TempDir(), "queue.db")), WithTransport(rt), WithDeviceMetrics(map[string]string{}), WithTickInterval(0))
	require.NoError(t, tr.Start(context.Background(), "acct1", "host.example"))

	tr.StartSession()
	tr.RecordEvent("a")
	tr.EndSession()
	select {
	case <-rt.Entered():
	case <-time.After(waitFor):
		t.Fatal("flush never started")
	}

	closed := make(chan error, 1)
	go func() { closed <- tr.Close() }()
	// A closed tracker reports an empty queue.
	require.Eventually(t, func() bool { return tr.QueueSize() == 0 }, waitFor, tick)

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		tr.RecordEvent("b")
		tr.StartSession()
		_ = tr.SessionTime()
		tr.EndSession()
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("tracker calls blocked while Close waited for a send")
	}

	select {
	case <-closed:
		t.Fatal("Close returned with a send in flight")
	default:
	}

	rt.Unblock()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, []string{"a", event.SessionEndKey}, rt.DeliveredKeys(t))
}

func TestRecordEvent_InvalidUTF8IsDelivered(t *testing.T) {
	rt := testutil.NewRecordingTransport()
	tr := newTracker(t, rt)

	tr.RecordEvent("bad", Parameters(map[string]any{"name": "caf\xe9"}))
	tr.RecordEvent("good")
	assert.Equal(t, int64(2), tr.QueueSize())

	flushAll(t, tr)
	assert.Zero(t, tr.QueueSize())
	assert.Equal(t, []string{"bad", "good"}, rt.DeliveredKeys(t))
	p := rt.Payloads(t)
	require.NotEmpty(t, p)
	assert.Equal(t, "caf\uFFFD", p[0].Records[0].Parameters["name"])
}

func TestMetrics_CountsRecordedAndDropped(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	tr := newTracker(t, testutil.NewRecordingTransport(), WithMeterProvider(mp))
	tr.RecordEvent("a")
	tr.RecordEvent("b")
	tr.RecordEvent("")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals[metrics.EventsRecorded])
	assert.Equal(t, int64(1), totals[metrics.EventsDropped])
}
