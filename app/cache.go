package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cataldij/quotacache/adapters/metrics"
	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/ports"
)

// ResponseCache is a read-through cache over a CacheStore.
// Reads fail soft to a miss; writes are best-effort. Concurrent misses for the
// same key are not coalesced: each caller recomputes and the last upsert wins.
type ResponseCache struct {
	store   ports.CacheStore
	clock   ports.Clock
	metrics *metrics.Collector
	logger  zerolog.Logger
	tracer  trace.Tracer
	cfg     CacheConfig
}

// CacheDeps contains dependencies for ResponseCache.
type CacheDeps struct {
	Store   ports.CacheStore
	Clock   ports.Clock
	Metrics *metrics.Collector // optional
	Logger  zerolog.Logger
	Tracer  trace.Tracer // optional, defaults to the global provider
}

// CacheConfig contains configuration for ResponseCache.
type CacheConfig struct {
	Namespace  string
	DefaultTTL time.Duration
	Epoch      cache.Granularity
}

// NewResponseCache creates a new response cache.
func NewResponseCache(deps CacheDeps, cfg CacheConfig) *ResponseCache {
	if cfg.Epoch == "" {
		cfg.Epoch = cache.GranularityDay
	}
	return &ResponseCache{
		store:   deps.Store,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		logger:  deps.Logger.With().Str("component", "cache").Logger(),
		tracer:  tracerOrGlobal(deps.Tracer),
		cfg:     cfg,
	}
}

// DefaultTTL returns the configured TTL used when a caller passes none.
func (c *ResponseCache) DefaultTTL() time.Duration {
	return c.cfg.DefaultTTL
}

// DeriveKey builds an order-independent key under the configured namespace,
// folding in the current epoch.
func (c *ResponseCache) DeriveKey(inputs ...string) string {
	return cache.DeriveKey(c.cfg.Namespace, inputs, c.cfg.Epoch.Epoch(c.clock.Now()))
}

// Get returns the cached value for key. Store errors and malformed rows are
// reported as misses.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, span := c.tracer.Start(ctx, "cache.get")
	defer span.End()

	start := time.Now()
	entry, err := c.store.Get(ctx, key, c.clock.Now())

	switch {
	case err == nil:
		observeStore(c.metrics, storeCache, "get", start, nil)
		c.countLookup("hit")
		span.SetAttributes(attribute.String("cache.result", "hit"))
		return entry.Value, true
	case errors.Is(err, ports.ErrCacheMiss):
		observeStore(c.metrics, storeCache, "get", start, nil)
		c.countLookup("miss")
		span.SetAttributes(attribute.String("cache.result", "miss"))
		return nil, false
	case errors.Is(err, cache.ErrMalformedValue):
		observeStore(c.metrics, storeCache, "get", start, nil)
		c.logger.Warn().Err(err).Str("key", key).Msg("malformed cache entry, treating as miss")
		c.countLookup("malformed")
		span.SetAttributes(attribute.String("cache.result", "malformed"))
		return nil, false
	default:
		observeStore(c.metrics, storeCache, "get", start, err)
		c.logger.Warn().Err(err).Str("key", key).Msg("cache store unavailable, treating as miss")
		c.countLookup("error")
		span.RecordError(err)
		span.SetAttributes(attribute.String("cache.result", "error"))
		return nil, false
	}
}

// GetJSON decodes the cached value into dst. A value that does not decode is
// a miss.
func (c *ResponseCache) GetJSON(ctx context.Context, key string, dst any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cached value does not decode, treating as miss")
		c.countLookup("malformed")
		return false
	}
	return true
}

// Put stores value under key for ttl with a single upsert. Failures are logged
// and dropped.
func (c *ResponseCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		c.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("cache put skipped, non-positive ttl")
		c.countWrite("skipped")
		return
	}

	entry := cache.NewEntry(key, value, c.clock.Now(), ttl)

	ctx, span := c.tracer.Start(ctx, "cache.put",
		trace.WithAttributes(attribute.Int("cache.value_bytes", len(value))))

	start := time.Now()
	err := c.store.Upsert(ctx, entry)
	observeStore(c.metrics, storeCache, "upsert", start, err)
	endSpan(span, err)

	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to write cache entry")
		c.countWrite("error")
		return
	}
	c.countWrite("ok")
}

// PutJSON encodes v and stores it. An unencodable value is logged and dropped.
func (c *ResponseCache) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to encode cache value")
		c.countWrite("error")
		return
	}
	c.Put(ctx, key, data, ttl)
}

func (c *ResponseCache) countLookup(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (c *ResponseCache) countWrite(result string) {
	if c.metrics != nil {
		c.metrics.CacheWrites.WithLabelValues(result).Inc()
	}
}
