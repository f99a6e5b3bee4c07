package cache

import (
	"errors"
	"time"
)

// ErrMalformedValue marks a stored row that cannot be interpreted.
// Callers treat it exactly like a miss.
var ErrMalformedValue = errors.New("malformed cached value")

// Entry is one cached value (value type). The store is the only source of truth.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewEntry builds an entry created at now that expires after ttl.
func NewEntry(key string, value []byte, now time.Time, ttl time.Duration) Entry {
	now = now.UTC()
	return Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Live reports whether the entry is logically present at now.
// An entry is absent once now >= ExpiresAt, even if the row still exists.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime at now, or zero once expired.
func (e Entry) TTL(now time.Time) time.Duration {
	if !e.Live(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}
