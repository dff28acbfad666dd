// Package metrics exposes the tracker's side-channel counters through the
// OpenTelemetry metric API. With the default global provider every
// instrument is a no-op.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of every instrument.
const ScopeName = "github.com/roach88/lytics"

// Instrument names.
const (
	EventsRecorded   = "lytics.events.recorded"
	EventsDropped    = "lytics.events.dropped"
	RecordsEvicted   = "lytics.records.evicted"
	FlushAttempts    = "lytics.flush.attempts"
	FlushFailures    = "lytics.flush.failures"
	RecordsDelivered = "lytics.records.delivered"
)

// Instruments holds the counters. A nil *Instruments is valid and records
// nothing.
type Instruments struct {
	meter     metric.Meter
	recorded  metric.Int64Counter
	dropped   metric.Int64Counter
	attempts  metric.Int64Counter
	failures  metric.Int64Counter
	delivered metric.Int64Counter
}

// New creates the counters on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	i := &Instruments{meter: meter}
	var err error
	if i.recorded, err = meter.Int64Counter(EventsRecorded,
		metric.WithDescription("Records appended to the queue."),
		metric.WithUnit("{record}")); err != nil {
		return nil, fmt.Errorf("metrics: %s: %w", EventsRecorded, err)
	}
	if i.dropped, err = meter.Int64Counter(EventsDropped,
		metric.WithDescription("Events rejected or lost before reaching the queue."),
		metric.WithUnit("{record}")); err != nil {
		return nil, fmt.Errorf("metrics: %s: %w", EventsDropped, err)
	}
	if i.attempts, err = meter.Int64Counter(FlushAttempts,
		metric.WithDescription("Batches handed to the transport."),
		metric.WithUnit("{batch}")); err != nil {
		return nil, fmt.Errorf("metrics: %s: %w", FlushAttempts, err)
	}
	if i.failures, err = meter.Int64Counter(FlushFailures,
		metric.WithDescription("Batches the transport failed to deliver."),
		metric.WithUnit("{batch}")); err != nil {
		return nil, fmt.Errorf("metrics: %s: %w", FlushFailures, err)
	}
	if i.delivered, err = meter.Int64Counter(RecordsDelivered,
		metric.WithDescription("Records acknowledged after a successful send."),
		metric.WithUnit("{record}")); err != nil {
		return nil, fmt.Errorf("metrics: %s: %w", RecordsDelivered, err)
	}
	return i, nil
}

// ObserveEvicted registers the eviction counter, read from fn at
// collection time. The store keeps the running total.
func (i *Instruments) ObserveEvicted(fn func() uint64) error {
	if i == nil {
		return nil
	}
	_, err := i.meter.Int64ObservableCounter(RecordsEvicted,
		metric.WithDescription("Records discarded by the queue cap."),
		metric.WithUnit("{record}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(fn()))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("metrics: %s: %w", RecordsEvicted, err)
	}
	return nil
}

// Recorded counts one appended record of the given kind.
func (i *Instruments) Recorded(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Dropped counts one event lost for reason (an error code).
func (i *Instruments) Dropped(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// FlushAttempt counts one send.
func (i *Instruments) FlushAttempt(ctx context.Context, trigger string) {
	if i == nil {
		return
	}
	i.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// FlushFailure counts one failed send.
func (i *Instruments) FlushFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.failures.Add(ctx, 1)
}

// Delivered counts n acknowledged records.
func (i *Instruments) Delivered(ctx context.Context, n int64) {
	if i == nil || n <= 0 {
		return
	}
	i.delivered.Add(ctx, n)
}
