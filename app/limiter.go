package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/cataldij/quotacache/adapters/metrics"
	"github.com/cataldij/quotacache/domain/ratelimit"
	"github.com/cataldij/quotacache/ports"
)

// ErrUnknownOperation is returned when no policy is configured for an operation.
var ErrUnknownOperation = errors.New("unknown operation")

// RateLimiter decides whether an identity may perform an operation now.
//
// The check counts events and compares; it does not reserve a slot. Two
// concurrent checks can both observe MaxEvents-1 and both be allowed, so the
// bound is soft. Callers needing a hard cap must add an atomic reservation.
type RateLimiter struct {
	events  ports.EventStore
	clock   ports.Clock
	metrics *metrics.Collector
	logger  zerolog.Logger
	tracer  trace.Tracer

	// One degraded-check warning per interval during an outage.
	degradedLog rate.Sometimes

	// Hot-reloadable configuration
	cfg atomic.Pointer[LimiterConfig]
}

// LimiterDeps contains dependencies for RateLimiter.
type LimiterDeps struct {
	Events  ports.EventStore
	Clock   ports.Clock
	Metrics *metrics.Collector // optional
	Logger  zerolog.Logger
	Tracer  trace.Tracer // optional, defaults to the global provider
}

// LimiterConfig contains hot-reloadable limiter settings.
type LimiterConfig struct {
	FailurePolicy ratelimit.FailurePolicy
	StoreTimeout  time.Duration // 0 = rely on the caller's deadline only
	Policies      ratelimit.Policies
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(deps LimiterDeps, cfg LimiterConfig) *RateLimiter {
	l := &RateLimiter{
		events:  deps.Events,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		logger:  deps.Logger.With().Str("component", "ratelimiter").Logger(),
		tracer:  tracerOrGlobal(deps.Tracer),

		degradedLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	l.UpdateConfig(cfg)
	return l
}

// UpdateConfig swaps the limiter settings.
// This is thread-safe and can be called while checks are running.
func (l *RateLimiter) UpdateConfig(cfg LimiterConfig) {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = ratelimit.FailOpen
	}
	l.cfg.Store(&cfg)
}

func (l *RateLimiter) config() *LimiterConfig {
	return l.cfg.Load()
}

// Policy returns the configured policy for operation.
func (l *RateLimiter) Policy(operation string) (ratelimit.Policy, bool) {
	return l.config().Policies.Lookup(operation)
}

// Operations lists the configured operations in sorted order.
func (l *RateLimiter) Operations() []string {
	return l.config().Policies.Operations()
}

// Check evaluates policy for identity. It never returns an error: store
// failures are resolved by the configured failure policy and reported in
// Decision.Degraded and Decision.Err.
func (l *RateLimiter) Check(ctx context.Context, identity string, policy ratelimit.Policy) ratelimit.Decision {
	cfg := l.config()
	now := l.clock.Now()

	ctx, span := l.tracer.Start(ctx, "quota.check",
		trace.WithAttributes(attribute.String("quota.operation", policy.Operation)))
	defer span.End()

	if identity == "" {
		l.logger.Error().
			Str("operation", policy.Operation).
			Msg("quota check without identity")
		l.countCheck(policy.Operation, "rejected")
		span.SetStatus(codes.Error, ratelimit.ErrEmptyIdentity.Error())
		return ratelimit.Reject(policy, now, ratelimit.ErrEmptyIdentity)
	}
	if !policy.Valid() {
		l.logger.Error().
			Str("operation", policy.Operation).
			Int("max_events", policy.MaxEvents).
			Dur("window", policy.Window).
			Msg("quota check with invalid policy")
		l.countCheck(policy.Operation, "rejected")
		span.SetStatus(codes.Error, ratelimit.ErrInvalidPolicy.Error())
		return ratelimit.Reject(policy, now, ratelimit.ErrInvalidPolicy)
	}

	if cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
	}

	start := time.Now()
	count, err := l.events.CountSince(ctx, identity, policy.Operation, ratelimit.WindowStart(policy, now))
	observeStore(l.metrics, storeEvent, "count", start, err)

	if err != nil {
		d := cfg.FailurePolicy.Degrade(policy, now, err)
		warned := false
		l.degradedLog.Do(func() {
			warned = true
			l.logger.Warn().Err(err).
				Str("identity", identity).
				Str("operation", policy.Operation).
				Str("failure_policy", string(cfg.FailurePolicy)).
				Bool("allowed", d.Allowed).
				Msg("event store unavailable, quota check degraded")
		})
		if !warned {
			l.logger.Debug().Err(err).
				Str("identity", identity).
				Str("operation", policy.Operation).
				Bool("allowed", d.Allowed).
				Msg("degraded check, warning throttled")
		}
		span.RecordError(err)
		span.SetAttributes(
			attribute.Bool("quota.degraded", true),
			attribute.Bool("quota.allowed", d.Allowed),
		)
		if l.metrics != nil {
			l.metrics.QuotaDegraded.WithLabelValues(policy.Operation, string(cfg.FailurePolicy)).Inc()
		}
		l.countCheck(policy.Operation, "degraded")
		return d
	}

	d := ratelimit.Evaluate(count, policy, now)
	span.SetAttributes(
		attribute.Int("quota.count", count),
		attribute.Bool("quota.allowed", d.Allowed),
	)
	if d.Allowed {
		l.countCheck(policy.Operation, "allowed")
	} else {
		l.logger.Debug().
			Str("identity", identity).
			Str("operation", policy.Operation).
			Int("count", count).
			Int("max_events", policy.MaxEvents).
			Msg("quota exceeded")
		l.countCheck(policy.Operation, "denied")
	}
	return d
}

// CheckOperation looks up the configured policy for operation and checks it.
// An unknown operation is a configuration error and is returned as such.
func (l *RateLimiter) CheckOperation(ctx context.Context, identity, operation string) (ratelimit.Decision, error) {
	policy, ok := l.Policy(operation)
	if !ok {
		return ratelimit.Decision{}, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return l.Check(ctx, identity, policy), nil
}

func (l *RateLimiter) countCheck(operation, result string) {
	if l.metrics != nil {
		l.metrics.QuotaChecks.WithLabelValues(operation, result).Inc()
	}
}
