// Package cache provides deterministic cache keys and the cache entry value type.
// All functions are pure - no side effects.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EpochLayouts for the supported epoch granularities.
const (
	DayLayout  = "2006-01-02"
	HourLayout = "2006-01-02T15"
)

// DeriveKey builds a cache key from a namespace, an order-independent set of
// inputs and a coarse epoch.
// This is a PURE function - same inputs and epoch always give the same key.
//
// Inputs are sorted on a copy, so permutations map to the same key. Each input
// is length-prefixed before hashing, so ["ab","c"] and ["a","bc"] differ.
func DeriveKey(namespace string, inputs []string, epoch string) string {
	sorted := make([]string, len(inputs))
	copy(sorted, inputs)
	sort.Strings(sorted)

	h := sha256.New()
	for _, in := range sorted {
		h.Write([]byte(strconv.Itoa(len(in))))
		h.Write([]byte{':'})
		h.Write([]byte(in))
	}
	sum := hex.EncodeToString(h.Sum(nil))

	parts := make([]string, 0, 3)
	if namespace != "" {
		parts = append(parts, namespace)
	}
	if epoch != "" {
		parts = append(parts, epoch)
	}
	parts = append(parts, sum)
	return strings.Join(parts, ":")
}

// DeriveOrderedKey is DeriveKey for inputs whose order is significant
// (for example a prompt followed by a model name). Inputs are not sorted.
func DeriveOrderedKey(namespace string, inputs []string, epoch string) string {
	indexed := make([]string, len(inputs))
	for i, in := range inputs {
		indexed[i] = strconv.Itoa(i) + "=" + in
	}
	return DeriveKey(namespace, indexed, epoch)
}

// DayEpoch returns the UTC calendar day of t.
func DayEpoch(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// HourEpoch returns the UTC hour bucket of t.
func HourEpoch(t time.Time) string {
	return t.UTC().Format(HourLayout)
}

// Granularity selects how coarse an epoch bucket is.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityHour Granularity = "hour"
	GranularityNone Granularity = "none"
)

// Epoch returns the epoch string for t at granularity g.
// GranularityNone returns "", which leaves keys without a rotation boundary.
func (g Granularity) Epoch(t time.Time) string {
	switch g {
	case GranularityHour:
		return HourEpoch(t)
	case GranularityNone:
		return ""
	default:
		return DayEpoch(t)
	}
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityDay, GranularityHour, GranularityNone:
		return true
	}
	return false
}
