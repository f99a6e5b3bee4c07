package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/domain/ratelimit"
)

// ErrQuotaExceeded is matched by the error Guard.Do returns for a denied request.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaError carries the decision that denied a request.
type QuotaError struct {
	Decision ratelimit.Decision
}

func (e *QuotaError) Error() string {
	if e.Decision.Err != nil {
		return fmt.Sprintf("%s: %v", ErrQuotaExceeded, e.Decision.Err)
	}
	return fmt.Sprintf("%s: %d events in window", ErrQuotaExceeded, e.Decision.CurrentCount)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// Request describes one guarded upstream call.
type Request struct {
	Identity  string
	Operation string

	// CacheKey enables the read-through cache when non-empty.
	CacheKey string
	// TTL for the cached result; 0 uses the cache's default.
	TTL time.Duration

	// Metadata is attached to the usage event.
	Metadata map[string]any
}

// Result is the outcome of a guarded call.
type Result struct {
	Value    []byte
	Cached   bool
	Decision ratelimit.Decision // zero when served from cache
}

// ComputeFunc performs the expensive upstream operation.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Guard runs the handler flow: check cache, check quota, compute, record
// usage, populate cache. A cache hit does not consume quota.
type Guard struct {
	limiter  *RateLimiter
	recorder *UsageRecorder
	cache    *ResponseCache
	tracer   trace.Tracer
}

// NewGuard creates a guard. cache may be nil to disable caching.
func NewGuard(limiter *RateLimiter, recorder *UsageRecorder, cache *ResponseCache) *Guard {
	return &Guard{
		limiter:  limiter,
		recorder: recorder,
		cache:    cache,
		tracer:   limiter.tracer,
	}
}

// Do runs compute for req if the cache misses and quota allows.
// Compute errors are returned as-is and are neither recorded nor cached.
func (g *Guard) Do(ctx context.Context, req Request, compute ComputeFunc) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "guard.do",
		trace.WithAttributes(attribute.String("quota.operation", req.Operation)))
	defer func() {
		span.SetAttributes(attribute.Bool("cache.hit", res.Cached))
		endSpan(span, err)
	}()

	caching := g.cache != nil && req.CacheKey != ""

	if caching {
		if value, ok := g.cache.Get(ctx, req.CacheKey); ok {
			return Result{Value: value, Cached: true}, nil
		}
	}

	decision, err := g.limiter.CheckOperation(ctx, req.Identity, req.Operation)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		return Result{Decision: decision}, &QuotaError{Decision: decision}
	}

	value, err := compute(ctx)
	if err != nil {
		return Result{Decision: decision}, err
	}

	g.recorder.Record(req.Identity, req.Operation, req.Metadata)

	if caching {
		ttl := req.TTL
		if ttl == 0 {
			ttl = g.cache.DefaultTTL()
		}
		g.cache.Put(ctx, req.CacheKey, value, ttl)
	}

	return Result{Value: value, Decision: decision}, nil
}
