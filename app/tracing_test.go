package app_test

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cataldij/quotacache/adapters/idgen"
	"github.com/cataldij/quotacache/app"
)

func TestGuard_Spans(t *testing.T) {
	f := newFixture(t)
	g := app.NewGuard(f.limiter, f.recorder, f.cache)

	_, err := g.Do(context.Background(), app.Request{
		Identity:  "u1",
		Operation: "x",
		CacheKey:  "k",
	}, func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if err := f.recorder.Close(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got := strings.Join(f.spanNames(), ",")
	for _, want := range []string{"cache.get", "quota.check", "cache.put", "guard.do", "usage.append"} {
		if !strings.Contains(got, want) {
			t.Errorf("span %s missing from %s", want, got)
		}
	}

	// Children share the guard span's trace.
	var guardTrace string
	for _, s := range f.spans.Ended() {
		if s.Name() == "guard.do" {
			guardTrace = s.SpanContext().TraceID().String()
		}
	}
	for _, s := range f.spans.Ended() {
		if s.Name() == "quota.check" && s.SpanContext().TraceID().String() != guardTrace {
			t.Error("quota.check is not part of the guard trace")
		}
	}
}

func TestRateLimiter_SpanAttributes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "x", 3)

	f.limiter.Check(context.Background(), "u1", dailyX)

	ended := f.spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans = %d, want 1", len(ended))
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["quota.operation"].AsString() != "x" {
		t.Errorf("quota.operation = %v", attrs["quota.operation"])
	}
	if attrs["quota.count"].AsInt64() != 3 {
		t.Errorf("quota.count = %v", attrs["quota.count"])
	}
	if !attrs["quota.allowed"].AsBool() {
		t.Error("quota.allowed should be true")
	}
}

func TestRateLimiter_DegradedSpanAndLogThrottle(t *testing.T) {
	f := newFixture(t)
	limiter := app.NewRateLimiter(app.LimiterDeps{
		Events:  failingEventStore{err: errStoreDown},
		Clock:   f.clock,
		Metrics: f.metrics,
		Logger:  f.logger,
		Tracer:  f.tracer,
	}, app.LimiterConfig{})

	for i := 0; i < 5; i++ {
		limiter.Check(context.Background(), "u1", dailyX)
	}

	if n := strings.Count(f.logs.String(), "quota check degraded"); n != 1 {
		t.Errorf("degraded warnings = %d, want 1 within the interval", n)
	}
	if n := strings.Count(f.logs.String(), "degraded check, warning throttled"); n != 4 {
		t.Errorf("throttled debug lines = %d, want 4", n)
	}
	if got := f.counter(t, "quotacache_quota_degraded_total", map[string]string{"policy": "open"}); got != 5 {
		t.Errorf("quota_degraded_total = %v, want 5", got)
	}

	for _, s := range f.spans.Ended() {
		if len(s.Events()) == 0 {
			t.Error("degraded span has no recorded error")
		}
	}
}

func TestUsageRecorder_FailedAppendSpan(t *testing.T) {
	f := newFixture(t)
	recorder := app.NewUsageRecorder(app.RecorderDeps{
		Events: failingEventStore{err: errStoreDown},
		Clock:  f.clock,
		IDGen:  idgen.NewSequential("ev-"),
		Logger: f.logger,
		Tracer: f.tracer,
	}, app.RecorderConfig{})

	if err := recorder.RecordSync(context.Background(), "u1", "x", nil); err == nil {
		t.Fatal("expected error")
	}

	ended := f.spans.Ended()
	if len(ended) != 1 || ended[0].Status().Code != codes.Error {
		t.Errorf("spans = %+v, want one errored usage.append", ended)
	}
}
