package app_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/adapters/clock"
	"github.com/cataldij/quotacache/adapters/idgen"
	"github.com/cataldij/quotacache/adapters/memory"
	"github.com/cataldij/quotacache/adapters/metrics"
	"github.com/cataldij/quotacache/app"
	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/ratelimit"
	"github.com/cataldij/quotacache/domain/usage"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("store unavailable")

// -----------------------------------------------------------------------------
// Failing stores
// -----------------------------------------------------------------------------

type failingEventStore struct {
	err error
}

func (s failingEventStore) Append(ctx context.Context, e usage.Event) error {
	return s.err
}

func (s failingEventStore) CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error) {
	return 0, s.err
}

// slowEventStore blocks until ctx is done.
type slowEventStore struct{}

func (slowEventStore) Append(ctx context.Context, e usage.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowEventStore) CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// countingEventStore wraps a store and counts CountSince calls.
type countingEventStore struct {
	*memory.EventStore
	mu     sync.Mutex
	counts int
}

func (s *countingEventStore) CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error) {
	s.mu.Lock()
	s.counts++
	s.mu.Unlock()
	return s.EventStore.CountSince(ctx, identity, operation, since)
}

func (s *countingEventStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

type failingCacheStore struct {
	err error
}

func (s failingCacheStore) Upsert(ctx context.Context, e cache.Entry) error {
	return s.err
}

func (s failingCacheStore) Get(ctx context.Context, key string, now time.Time) (cache.Entry, error) {
	return cache.Entry{}, s.err
}

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

type fixture struct {
	clock    *clock.Fake
	store    *memory.Store
	metrics  *metrics.Collector
	reg      *prometheus.Registry
	logs     *bytes.Buffer
	logger   zerolog.Logger
	spans    *tracetest.SpanRecorder
	tracer   trace.Tracer
	limiter  *app.RateLimiter
	recorder *app.UsageRecorder
	cache    *app.ResponseCache
}

var dailyX = ratelimit.MustPolicy("x", 10, 86400)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock: clock.NewFake(baseTime),
		store: memory.NewStore(),
		reg:   prometheus.NewRegistry(),
		logs:  &bytes.Buffer{},
	}
	f.metrics = metrics.NewWithRegistry(f.reg)
	f.logger = zerolog.New(f.logs)
	f.spans = tracetest.NewSpanRecorder()
	f.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans)).Tracer(app.TracerName)

	policies, err := ratelimit.NewPolicies(dailyX, ratelimit.MustPolicy("y", 2, 60))
	if err != nil {
		t.Fatalf("policies: %v", err)
	}

	f.limiter = app.NewRateLimiter(app.LimiterDeps{
		Events:  f.store,
		Clock:   f.clock,
		Metrics: f.metrics,
		Logger:  f.logger,
		Tracer:  f.tracer,
	}, app.LimiterConfig{Policies: policies})

	f.recorder = app.NewUsageRecorder(app.RecorderDeps{
		Events:  f.store,
		Clock:   f.clock,
		IDGen:   idgen.NewSequential("ev-"),
		Metrics: f.metrics,
		Logger:  f.logger,
		Tracer:  f.tracer,
	}, app.RecorderConfig{WriteTimeout: time.Second})

	f.cache = app.NewResponseCache(app.CacheDeps{
		Store:   f.store,
		Clock:   f.clock,
		Metrics: f.metrics,
		Logger:  f.logger,
		Tracer:  f.tracer,
	}, app.CacheConfig{Namespace: "cache", DefaultTTL: 24 * time.Hour})

	return f
}

// seed appends n events for identity/operation spread across the last hour.
func (f *fixture) seed(t *testing.T, identity, operation string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		at := f.clock.Now().Add(-time.Duration(i+1) * time.Minute)
		e := usage.NewEvent(fmt.Sprintf("seed-%s-%s-%d", identity, operation, i), identity, operation, nil, at)
		if err := f.store.Append(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

// counter reads a counter value by metric name and label values.
func (f *fixture) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// spanNames returns the names of ended spans in end order.
func (f *fixture) spanNames() []string {
	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	return names
}
