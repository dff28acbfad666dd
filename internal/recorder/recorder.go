// Package recorder turns caller events and finished sessions into queued
// records.
package recorder

import (
	"context"
	"log/slog"

	"github.com/roach88/lytics/internal/clock"
	"github.com/roach88/lytics/internal/event"
	"github.com/roach88/lytics/internal/session"
	"github.com/roach88/lytics/internal/settings"
)

// Appender persists records. *store.Store implements it.
type Appender interface {
	Append(ctx context.Context, rec event.Record) (event.Record, error)
}

// Recorder validates, merges defaults and appends. It never flushes.
type Recorder struct {
	store    Appender
	settings settings.Provider
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSettings sets the category defaults provider.
func WithSettings(p settings.Provider) Option {
	return func(r *Recorder) {
		if p != nil {
			r.settings = p
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Recorder appending to store.
func New(store Appender, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		settings: settings.Empty(),
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a named event. Parameters are the "all" defaults, then
// each category's defaults in order, then params; later layers win.
//
// Returns an InvalidEventKind error for a blank key or an unsupported
// parameter value, and a PersistenceError when the append fails.
func (r *Recorder) Record(ctx context.Context, key string, categories []string, params map[string]any) (event.Record, error) {
	name := event.NormalizeName(key)
	if name == "" {
		return event.Record{}, event.NewInvalidEventKind(key, "event key is blank", nil)
	}

	cats := event.NormalizeCategories(categories)
	layers := append(r.settings.Defaults(cats), params)
	merged, err := event.Merge(layers...)
	if err != nil {
		return event.Record{}, event.NewInvalidEventKind(name, "invalid parameters", err)
	}

	rec, err := r.store.Append(ctx, event.Record{
		Kind:       event.KindEvent,
		Key:        name,
		Categories: cats,
		Parameters: merged,
		Timestamp:  event.Truncate(r.clock.Now()),
	})
	if err != nil {
		return event.Record{}, err
	}

	r.logger.Debug("event recorded",
		"seq", rec.Seq,
		"key", rec.Key,
		"categories", rec.Categories)
	return rec, nil
}

// RecordSessionEnd appends the session_end record for a finished session.
// It carries the "all" defaults as parameters.
func (r *Recorder) RecordSessionEnd(ctx context.Context, summary session.Summary) (event.Record, error) {
	cats := []string{event.AllCategory}
	merged, err := event.Merge(r.settings.Defaults(cats)...)
	if err != nil {
		return event.Record{}, event.NewInvalidEventKind(event.SessionEndKey, "invalid default parameters", err)
	}

	end := summary.End
	if end.IsZero() {
		end = r.clock.Now()
	}

	rec, err := r.store.Append(ctx, event.Record{
		Kind:            event.KindSessionEnd,
		Key:             event.SessionEndKey,
		Categories:      cats,
		Parameters:      merged,
		Timestamp:       event.Truncate(end),
		SessionStart:    event.Truncate(summary.Start),
		SessionDuration: summary.Duration,
	})
	if err != nil {
		return event.Record{}, err
	}

	r.logger.Debug("session end recorded",
		"seq", rec.Seq,
		"duration", rec.SessionDuration)
	return rec, nil
}
