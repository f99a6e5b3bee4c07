package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/adapters/metrics"
	"github.com/cataldij/quotacache/domain/usage"
	"github.com/cataldij/quotacache/ports"
)

// ErrRecorderClosed is returned by RecordSync after Close.
var ErrRecorderClosed = errors.New("usage recorder closed")

// UsageRecorder appends usage events after successful operations.
// Writes are best-effort: failures are logged and counted, never retried.
type UsageRecorder struct {
	events       ports.EventStore
	clock        ports.Clock
	idGen        ports.IDGenerator
	metrics      *metrics.Collector
	logger       zerolog.Logger
	tracer       trace.Tracer
	writeTimeout time.Duration

	mu       sync.RWMutex
	closed   bool
	inFlight sync.WaitGroup
}

// RecorderDeps contains dependencies for UsageRecorder.
type RecorderDeps struct {
	Events  ports.EventStore
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Metrics *metrics.Collector // optional
	Logger  zerolog.Logger
	Tracer  trace.Tracer // optional, defaults to the global provider
}

// RecorderConfig contains configuration for UsageRecorder.
type RecorderConfig struct {
	WriteTimeout time.Duration // bound on each detached append
}

// NewUsageRecorder creates a new usage recorder.
func NewUsageRecorder(deps RecorderDeps, cfg RecorderConfig) *UsageRecorder {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &UsageRecorder{
		events:       deps.Events,
		clock:        deps.Clock,
		idGen:        deps.IDGen,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("component", "usage").Logger(),
		tracer:       tracerOrGlobal(deps.Tracer),
		writeTimeout: cfg.WriteTimeout,
	}
}

// Record appends one event without blocking the caller. The event time is
// taken now; the write runs detached from the caller's context so that a
// finished request does not cancel it.
func (r *UsageRecorder) Record(identity, operation string, metadata map[string]any) {
	e := usage.NewEvent(r.idGen.New(), identity, operation, metadata, r.clock.Now())

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn().
			Str("identity", identity).
			Str("operation", operation).
			Msg("usage event dropped, recorder closed")
		r.countRecord("dropped")
		return
	}

	r.inFlight.Add(1)
	if r.metrics != nil {
		r.metrics.UsageInFlight.Inc()
	}
	go func() {
		defer r.inFlight.Done()
		if r.metrics != nil {
			defer r.metrics.UsageInFlight.Dec()
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		defer cancel()
		r.append(ctx, e)
	}()
}

// RecordSync appends one event and waits for the result. It still never retries.
func (r *UsageRecorder) RecordSync(ctx context.Context, identity, operation string, metadata map[string]any) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRecorderClosed
	}

	e := usage.NewEvent(r.idGen.New(), identity, operation, metadata, r.clock.Now())
	return r.append(ctx, e)
}

func (r *UsageRecorder) append(ctx context.Context, e usage.Event) error {
	ctx, span := r.tracer.Start(ctx, "usage.append",
		trace.WithAttributes(attribute.String("quota.operation", e.Operation)))

	start := time.Now()
	err := r.events.Append(ctx, e)
	observeStore(r.metrics, storeEvent, "append", start, err)
	endSpan(span, err)

	if err != nil {
		r.logger.Error().Err(err).
			Str("event_id", e.ID).
			Str("identity", e.Identity).
			Str("operation", e.Operation).
			Msg("failed to record usage event")
		r.countRecord("error")
		return err
	}
	r.countRecord("ok")
	return nil
}

// Close stops accepting events and waits for in-flight appends or ctx.
func (r *UsageRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *UsageRecorder) countRecord(result string) {
	if r.metrics != nil {
		r.metrics.UsageRecords.WithLabelValues(result).Inc()
	}
}
