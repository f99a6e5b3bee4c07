// Package ratelimit provides pure sliding-window quota algorithms.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy is returned when a policy cannot be constructed.
// It is a configuration error and must surface at construction time.
var ErrInvalidPolicy = errors.New("invalid window policy")

// ErrEmptyIdentity is reported in a Decision when a check is made without an identity.
var ErrEmptyIdentity = errors.New("empty identity")

// Policy bounds how many events an identity may produce for one operation
// within a rolling window (immutable value type).
type Policy struct {
	Operation string
	MaxEvents int
	Window    time.Duration
}

// NewPolicy validates and builds a Policy.
// windowSeconds is whole seconds; sub-second windows are not supported.
func NewPolicy(operation string, maxEvents, windowSeconds int) (Policy, error) {
	if operation == "" {
		return Policy{}, fmt.Errorf("%w: operation is required", ErrInvalidPolicy)
	}
	if maxEvents < 1 {
		return Policy{}, fmt.Errorf("%w: max_events must be >= 1, got %d", ErrInvalidPolicy, maxEvents)
	}
	if windowSeconds < 1 {
		return Policy{}, fmt.Errorf("%w: window_seconds must be >= 1, got %d", ErrInvalidPolicy, windowSeconds)
	}
	return Policy{
		Operation: operation,
		MaxEvents: maxEvents,
		Window:    time.Duration(windowSeconds) * time.Second,
	}, nil
}

// MustPolicy is like NewPolicy but panics on error.
// Intended for package-level policy tables.
func MustPolicy(operation string, maxEvents, windowSeconds int) Policy {
	p, err := NewPolicy(operation, maxEvents, windowSeconds)
	if err != nil {
		panic(err)
	}
	return p
}

// WindowSeconds returns the window length in whole seconds.
func (p Policy) WindowSeconds() int {
	return int(p.Window / time.Second)
}

// Valid reports whether p satisfies the constructor invariants.
// A zero Policy is not valid.
func (p Policy) Valid() bool {
	return p.Operation != "" && p.MaxEvents >= 1 && p.Window >= time.Second
}

// Decision is the outcome of a quota check (value type, never persisted).
type Decision struct {
	Allowed      bool
	Remaining    int       // max(0, MaxEvents - CurrentCount)
	CurrentCount int       // Events counted inside the window
	ResetAt      time.Time // Upper bound on when the oldest counted event leaves the window

	// Degraded is set when the decision was produced by the failure policy
	// instead of a successful count. Err holds the cause.
	Degraded bool
	Err      error
}

// WindowStart returns the inclusive lower bound of the sliding window at now.
// This is a PURE function.
func WindowStart(p Policy, now time.Time) time.Time {
	return now.Add(-p.Window)
}

// Evaluate turns an observed event count into a Decision.
// This is a PURE function - no side effects, deterministic.
//
// Parameters:
//   - count: events with occurred_at >= WindowStart(p, now)
//   - p: the policy being enforced
//   - now: current timestamp
func Evaluate(count int, p Policy, now time.Time) Decision {
	if count < 0 {
		count = 0
	}
	remaining := p.MaxEvents - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:      count < p.MaxEvents,
		Remaining:    remaining,
		CurrentCount: count,
		ResetAt:      now.Add(p.Window),
	}
}

// RetryAfter returns how long a denied caller should wait before retrying.
// This is a PURE function.
func RetryAfter(d Decision, now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	delay := d.ResetAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
