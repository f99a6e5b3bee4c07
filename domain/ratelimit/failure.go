package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// FailurePolicy decides what a check returns when the event store cannot answer.
type FailurePolicy string

const (
	// FailOpen permits the action; the accounting substrate must not take the feature down.
	FailOpen FailurePolicy = "open"
	// FailClosed denies the action until the store recovers.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy parses "open" or "closed" (case-insensitive).
// An empty string yields FailOpen.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FailOpen):
		return FailOpen, nil
	case string(FailClosed):
		return FailClosed, nil
	default:
		return "", fmt.Errorf("failure policy must be 'open' or 'closed', got %q", s)
	}
}

// Degrade builds the decision returned when counting failed with cause.
// This is a PURE function.
func (f FailurePolicy) Degrade(p Policy, now time.Time, cause error) Decision {
	d := Decision{
		ResetAt:  now.Add(p.Window),
		Degraded: true,
		Err:      cause,
	}
	if f == FailClosed {
		return d
	}
	d.Allowed = true
	d.Remaining = p.MaxEvents
	return d
}

// Reject builds the decision for a call that is invalid on its face
// (for example an empty identity). The store is never consulted.
// This is a PURE function.
func Reject(p Policy, now time.Time, cause error) Decision {
	return Decision{
		Allowed: false,
		ResetAt: now.Add(p.Window),
		Err:     cause,
	}
}
