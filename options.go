package lytics

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/lytics/internal/clock"
	"github.com/roach88/lytics/internal/config"
	"github.com/roach88/lytics/internal/settings"
	"github.com/roach88/lytics/internal/transport"
)

// ErrorHandler receives every error the tracker swallows.
type ErrorHandler func(error)

type options struct {
	storePath      string
	tickInterval   time.Duration
	batchSize      int
	queueCap       int
	generateUUID   bool
	requestTimeout time.Duration
	compression    bool
	settingsFile   string

	settings      settings.Provider
	transport     transport.Transport
	deviceMetrics map[string]string
	clock         clock.Clock
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	errorHandler  ErrorHandler
}

func defaultOptions() options {
	def := config.Defaults()
	return options{
		storePath:      def.DBPath,
		tickInterval:   def.TickInterval,
		batchSize:      def.BatchSize,
		queueCap:       def.QueueCap,
		generateUUID:   def.GenerateUUID,
		requestTimeout: def.RequestTimeout,
		compression:    def.Compression,
		clock:          clock.Real(),
		logger:         slog.Default(),
	}
}

// Option configures a Tracker.
type Option func(*options)

// WithConfig applies a loaded configuration. Options given after it
// override individual fields.
func WithConfig(c *config.Config) Option {
	return func(o *options) {
		if c == nil {
			return
		}
		o.storePath = c.DBPath
		o.tickInterval = c.TickInterval
		o.batchSize = c.BatchSize
		o.queueCap = c.QueueCap
		o.generateUUID = c.GenerateUUID
		o.requestTimeout = c.RequestTimeout
		o.compression = c.Compression
		o.settingsFile = c.SettingsFile
	}
}

// WithStorePath sets the SQLite queue file.
func WithStorePath(path string) Option {
	return func(o *options) { o.storePath = path }
}

// WithTickInterval sets how often an active session folds time and
// requests a flush. Zero disables ticking.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) { o.tickInterval = d }
}

// WithBatchSize caps records per request.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithQueueCap bounds stored records; the oldest are evicted past it.
// Zero means unbounded.
func WithQueueCap(n int) Option {
	return func(o *options) { o.queueCap = n }
}

// WithGenerateUUID controls lazy device identifier generation.
func WithGenerateUUID(on bool) Option {
	return func(o *options) { o.generateUUID = on }
}

// WithRequestTimeout bounds each HTTP request of the default transport.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithCompression enables zstd request bodies on the default transport.
func WithCompression(on bool) Option {
	return func(o *options) { o.compression = on }
}

// WithSettingsFile loads category defaults from a .yaml, .yml or .cue file
// at Start.
func WithSettingsFile(path string) Option {
	return func(o *options) { o.settingsFile = path }
}

// WithSettings sets the category defaults provider directly.
func WithSettings(p settings.Provider) Option {
	return func(o *options) { o.settings = p }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithDeviceMetrics replaces the host metrics collected at Start.
func WithDeviceMetrics(m map[string]string) Option {
	return func(o *options) { o.deviceMetrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithErrorHandler receives errors that the tracker logs and drops.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.errorHandler = h }
}

// EventOption configures a single RecordEvent call.
type EventOption func(*eventOptions)

type eventOptions struct {
	categories []string
	parameters map[string]any
}

// Category adds one category to the event.
func Category(c string) EventOption {
	return func(e *eventOptions) { e.categories = append(e.categories, c) }
}

// Categories adds categories to the event, in order.
func Categories(cs ...string) EventOption {
	return func(e *eventOptions) { e.categories = append(e.categories, cs...) }
}

// Parameters sets the event's parameters. Values must be strings, bools
// or numbers; they override category defaults with the same key.
func Parameters(p map[string]any) EventOption {
	return func(e *eventOptions) { e.parameters = p }
}
