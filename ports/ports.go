// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/usage"
)

// ErrCacheMiss is returned by CacheStore.Get when no live entry exists.
var ErrCacheMiss = errors.New("cache miss")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// EventStore is the append-only usage event log.
// Implementations must be safe for uncoordinated concurrent writers.
type EventStore interface {
	// Append inserts one event. Events are never updated.
	Append(ctx context.Context, e usage.Event) error

	// CountSince counts events for identity and operation with occurred_at >= since.
	CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error)
}

// CacheStore is a key-value store with per-entry expiry.
// Implementations must be safe for uncoordinated concurrent writers.
type CacheStore interface {
	// Upsert inserts or atomically replaces the entry with the same key.
	// The old value is never merged with the new one.
	Upsert(ctx context.Context, e cache.Entry) error

	// Get returns the entry for key if it is live at now.
	// Returns ErrCacheMiss when absent or expired, and an error wrapping
	// cache.ErrMalformedValue when the stored row cannot be read.
	Get(ctx context.Context, key string, now time.Time) (cache.Entry, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Cleaner removes rows the core no longer reads.
// Retention is an operator concern; the core never calls it.
type Cleaner interface {
	// DeleteExpired removes cache entries with expires_at <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// DeleteEventsBefore removes usage events older than cutoff.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the two store contracts with lifecycle hooks.
// A single backend (sqlite, postgres, mysql, redis, memory) provides all of it.
type Store interface {
	EventStore
	CacheStore
	Pinger
	Cleaner

	// Close releases the underlying connection.
	Close() error
}
