package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/adapters/clock"
	apihttp "github.com/cataldij/quotacache/adapters/http"
	"github.com/cataldij/quotacache/adapters/idgen"
	"github.com/cataldij/quotacache/adapters/memory"
	"github.com/cataldij/quotacache/adapters/metrics"
	"github.com/cataldij/quotacache/app"
	"github.com/cataldij/quotacache/domain/ratelimit"
	"github.com/cataldij/quotacache/domain/usage"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type testPinger struct {
	err error
}

func (p testPinger) Ping(ctx context.Context) error {
	return p.err
}

type testServer struct {
	router   http.Handler
	store    *memory.Store
	recorder *app.UsageRecorder
	reg      *prometheus.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewFake(baseTime)
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	policies, err := ratelimit.NewPolicies(
		ratelimit.MustPolicy("search", 2, 60),
		ratelimit.MustPolicy("image", 10, 86400),
	)
	if err != nil {
		t.Fatalf("policies: %v", err)
	}

	limiter := app.NewRateLimiter(app.LimiterDeps{
		Events:  store,
		Clock:   clk,
		Metrics: m,
		Logger:  zerolog.Nop(),
	}, app.LimiterConfig{Policies: policies})
	recorder := app.NewUsageRecorder(app.RecorderDeps{
		Events: store,
		Clock:  clk,
		IDGen:  idgen.NewSequential("ev-"),
		Logger: zerolog.Nop(),
	}, app.RecorderConfig{})

	router := apihttp.NewRouter(
		apihttp.NewHealthHandler(store, "1.2.3"),
		apihttp.NewQuotaHandler(limiter, recorder, zerolog.Nop()),
		zerolog.Nop(),
		apihttp.RouterConfig{Metrics: m, Gatherer: reg},
	)

	return &testServer{router: router, store: store, recorder: recorder, reg: reg}
}

func (s *testServer) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type resourceDoc struct {
	Data struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
		Meta       map[string]any `json:"meta"`
	} `json:"data"`
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func TestHealthHandler_Liveness(t *testing.T) {
	h := apihttp.NewHealthHandler(nil, "")

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest("GET", "/health/live", nil))

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %s, want ok", body["status"])
	}
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		pinger testPinger
		want   int
	}{
		{"healthy", testPinger{}, 200},
		{"store down", testPinger{err: errors.New("connection refused")}, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := apihttp.NewHealthHandler(tt.pinger, "")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do("GET", "/version")

	var body apihttp.VersionResponse
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Version != "1.2.3" || body.Service != "quotacache" {
		t.Errorf("body = %+v", body)
	}
}

// -----------------------------------------------------------------------------
// Quota
// -----------------------------------------------------------------------------

func TestQuota_Check(t *testing.T) {
	s := setupTestServer(t)
	s.store.Append(context.Background(), usage.NewEvent("e1", "u1", "search", nil, baseTime.Add(-10*time.Second)))

	rec := s.do("GET", "/v1/quota/search/u1")
	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var doc resourceDoc
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Data.Type != "quota" || doc.Data.ID != "u1:search" {
		t.Errorf("data = %+v", doc.Data)
	}
	if doc.Data.Attributes["allowed"] != true {
		t.Errorf("allowed = %v", doc.Data.Attributes["allowed"])
	}
	if doc.Data.Attributes["remaining"] != float64(1) {
		t.Errorf("remaining = %v", doc.Data.Attributes["remaining"])
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %s", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %s", got)
	}

	// Inspection does not consume quota.
	if n := len(s.store.Events()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestQuota_Denied(t *testing.T) {
	s := setupTestServer(t)
	for _, id := range []string{"e1", "e2"} {
		s.store.Append(context.Background(), usage.NewEvent(id, "u1", "search", nil, baseTime.Add(-time.Second)))
	}

	rec := s.do("GET", "/v1/quota/search/u1")
	var doc resourceDoc
	json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.Data.Attributes["allowed"] != false {
		t.Errorf("allowed = %v", doc.Data.Attributes["allowed"])
	}
}

func TestQuota_UnknownOperation(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do("GET", "/v1/quota/nope/u1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQuota_ListPolicies(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do("GET", "/v1/policies")

	var doc struct {
		Data []struct {
			ID         string         `json:"id"`
			Attributes map[string]any `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Data) != 2 {
		t.Fatalf("policies = %d, want 2", len(doc.Data))
	}
	if doc.Data[0].ID != "image" || doc.Data[1].ID != "search" {
		t.Errorf("order = %s, %s", doc.Data[0].ID, doc.Data[1].ID)
	}
	if doc.Data[1].Attributes["window_seconds"] != float64(60) {
		t.Errorf("window_seconds = %v", doc.Data[1].Attributes["window_seconds"])
	}
}

func TestQuota_Record(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do("POST", "/v1/usage/search/u1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	s.recorder.Close(context.Background())

	events := s.store.Events()
	if len(events) != 1 || events[0].Identity != "u1" || events[0].Operation != "search" {
		t.Errorf("events = %+v", events)
	}

	if rec := s.do("POST", "/v1/usage/nope/u1"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown operation status = %d", rec.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.do("GET", "/v1/quota/search/u1")

	rec := s.do("GET", "/metrics")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `quotacache_http_requests_total{method="GET",path="/v1/quota/{operation}/{identity}",status="2xx"} 1`) {
		t.Errorf("route pattern metric missing:\n%s", body)
	}
	if !strings.Contains(body, "quotacache_quota_checks_total") {
		t.Error("quota_checks_total missing")
	}
}

func TestRouter_NotFound(t *testing.T) {
	s := setupTestServer(t)
	if rec := s.do("GET", "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRouter_TracingSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")

	store := memory.NewStore()
	policies, _ := ratelimit.NewPolicies(ratelimit.MustPolicy("search", 2, 60))
	limiter := app.NewRateLimiter(app.LimiterDeps{
		Events: store,
		Clock:  clock.NewFake(baseTime),
		Logger: zerolog.Nop(),
		Tracer: tracer,
	}, app.LimiterConfig{Policies: policies})

	router := apihttp.NewRouter(
		apihttp.NewHealthHandler(store, "test"),
		apihttp.NewQuotaHandler(limiter, nil, zerolog.Nop()),
		zerolog.Nop(),
		apihttp.RouterConfig{Tracer: tracer},
	)

	for _, path := range []string{"/health", "/v1/quota/search/u1"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	}

	var server, check sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		switch s.Name() {
		case "GET /v1/quota/{operation}/{identity}":
			server = s
		case "quota.check":
			check = s
		}
	}
	if len(spans.Ended()) != 2 {
		t.Errorf("spans = %d, want 2 (health is not traced)", len(spans.Ended()))
	}
	if server == nil || check == nil {
		t.Fatalf("missing spans: server=%v check=%v", server, check)
	}
	if server.SpanKind() != trace.SpanKindServer {
		t.Errorf("kind = %v", server.SpanKind())
	}
	if check.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Error("quota.check should be a child of the request span")
	}
}
