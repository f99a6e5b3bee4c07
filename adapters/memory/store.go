// Package memory provides in-memory implementations of the store ports.
//
// The memory store only coordinates goroutines inside one process. Use it for
// tests and single-instance development; multi-instance deployments need a
// shared backend (sqldb or redis).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/usage"
	"github.com/cataldij/quotacache/ports"
)

// Store is an in-memory implementation of ports.Store.
type Store struct {
	*EventStore
	*CacheStore
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		EventStore: NewEventStore(),
		CacheStore: NewCacheStore(),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// EventStore is an in-memory implementation of ports.EventStore.
type EventStore struct {
	mu     sync.RWMutex
	events []usage.Event
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		events: make([]usage.Event, 0),
	}
}

// Append stores one event.
func (s *EventStore) Append(ctx context.Context, e usage.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// CountSince counts matching events with OccurredAt >= since.
func (s *EventStore) CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.events {
		if e.Identity == identity && e.Operation == operation && !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// DeleteEventsBefore removes events older than cutoff.
func (s *EventStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.OccurredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// Events returns a copy of all stored events (for testing).
func (s *EventStore) Events() []usage.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]usage.Event, len(s.events))
	copy(out, s.events)
	return out
}

// CacheStore is an in-memory implementation of ports.CacheStore.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]cache.Entry
}

// NewCacheStore creates a new in-memory cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		entries: make(map[string]cache.Entry),
	}
}

// Upsert replaces the entry under its key.
func (s *CacheStore) Upsert(ctx context.Context, e cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy the value so the caller's buffer cannot change a stored entry.
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	e.Value = value

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

// Get returns the entry if live at now. Expired entries are reaped lazily.
func (s *CacheStore) Get(ctx context.Context, key string, now time.Time) (cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, err
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return cache.Entry{}, ports.ErrCacheMiss
	}
	if !e.Live(now) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && !cur.Live(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return cache.Entry{}, ports.ErrCacheMiss
	}

	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	e.Value = value
	return e, nil
}

// DeleteExpired removes entries with ExpiresAt <= now.
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, e := range s.entries {
		if !e.Live(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of physical entries, live or not (for testing).
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure interface compliance.
var _ ports.Store = (*Store)(nil)
