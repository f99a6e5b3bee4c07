package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Policies is an immutable lookup table of policies keyed by operation.
// Build it once per configuration load and pass it explicitly.
type Policies struct {
	byOp map[string]Policy
}

// NewPolicies builds a table, rejecting invalid or duplicate operations.
func NewPolicies(list ...Policy) (Policies, error) {
	byOp := make(map[string]Policy, len(list))
	for _, p := range list {
		if !p.Valid() {
			return Policies{}, fmt.Errorf("%w: %+v", ErrInvalidPolicy, p)
		}
		if _, dup := byOp[p.Operation]; dup {
			return Policies{}, fmt.Errorf("%w: duplicate operation %q", ErrInvalidPolicy, p.Operation)
		}
		byOp[p.Operation] = p
	}
	return Policies{byOp: byOp}, nil
}

// Lookup returns the policy for operation.
func (ps Policies) Lookup(operation string) (Policy, bool) {
	p, ok := ps.byOp[operation]
	return p, ok
}

// Operations returns the configured operation names in sorted order.
func (ps Policies) Operations() []string {
	ops := make([]string, 0, len(ps.byOp))
	for op := range ps.byOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Len returns the number of policies.
func (ps Policies) Len() int {
	return len(ps.byOp)
}

// LongestWindow returns the largest window among the policies, or zero.
// Events younger than this may still count toward some quota.
func (ps Policies) LongestWindow() time.Duration {
	var longest time.Duration
	for _, p := range ps.byOp {
		if p.Window > longest {
			longest = p.Window
		}
	}
	return longest
}
