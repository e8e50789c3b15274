package slotswap

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-slotswap"

// options configures the Coordinator behavior (internal only).
type options struct {
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer
	lockGrace time.Duration
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		tracer:    otel.Tracer(tracerName),
		lockGrace: time.Minute,
	}
}

// Option is a functional option for configuring a Coordinator.
type Option func(*options)

// WithLogger sets the logger for the coordinator.
// If the logger is nil, the coordinator will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides how new record ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithTracer sets the tracer used for operation spans.
// DEFAULT: the tracer of the global OpenTelemetry provider
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithLockGrace sets how long an inconsistent lock may exist before Sweep acts on it.
// It must exceed the longest expected propose/respond duration.
func WithLockGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockGrace = d
		}
	}
}
