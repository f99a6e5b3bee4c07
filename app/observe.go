// Package app provides the quota and cache services that orchestrate the pure
// domain functions with the injected stores.
package app

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/adapters/metrics"
)

// TracerName is the instrumentation scope of spans started by this package.
const TracerName = "github.com/cataldij/quotacache/app"

// Store labels used in metrics.
const (
	storeEvent = "event"
	storeCache = "cache"
)

// tracerOrGlobal returns t, or the global provider's tracer when t is nil.
// The global provider is a no-op until tracing is configured.
func tracerOrGlobal(t trace.Tracer) trace.Tracer {
	if t == nil {
		return otel.Tracer(TracerName)
	}
	return t
}

// endSpan marks span as failed when err is set and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// observeStore records latency and, on failure, the error counter for one
// store round trip. A nil collector is a no-op.
func observeStore(m *metrics.Collector, store, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(store, op).Inc()
	}
}
