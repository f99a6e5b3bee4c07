// Package redis provides a Redis implementation of the store ports.
//
// Layout:
//
//	<prefix>:events:<len(op)>:<op>:<identity>  sorted set, score = unix micros
//	<prefix>:cache:<key>                        JSON envelope with PX expiry
//
// The operation length keeps event keys unambiguous when operations or
// identities contain colons.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/domain/usage"
	"github.com/cataldij/quotacache/ports"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// EventRetention bounds how long an idle event set lives. Zero keeps it forever.
	EventRetention time.Duration
}

// Store implements ports.Store on Redis.
type Store struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.Prefix, cfg.EventRetention), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, retention time.Duration) *Store {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "quotacache"
	}
	return &Store{client: client, prefix: prefix, retention: retention}
}

func (s *Store) eventsKey(identity, operation string) string {
	return s.prefix + ":events:" + strconv.Itoa(len(operation)) + ":" + operation + ":" + identity
}

func (s *Store) cacheKey(key string) string {
	return s.prefix + ":cache:" + key
}

// Scores are microseconds so they stay exact in a float64.
func score(t time.Time) float64 {
	return float64(t.UTC().UnixMicro())
}

type eventMember struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Append adds the event to the identity's sorted set.
func (s *Store) Append(ctx context.Context, e usage.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	member, err := json.Marshal(eventMember{ID: e.ID, Metadata: e.Metadata})
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}

	key := s.eventsKey(e.Identity, e.Operation)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score(e.OccurredAt), Member: string(member)})
	if s.retention > 0 {
		pipe.PExpire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}

// CountSince counts events with score >= since.
func (s *Store) CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error) {
	min := fmt.Sprintf("%.0f", score(since))
	n, err := s.client.ZCount(ctx, s.eventsKey(identity, operation), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return int(n), nil
}

type cacheEnvelope struct {
	Value     []byte `json:"v"`
	CreatedAt int64  `json:"c"`
	ExpiresAt int64  `json:"e"`
}

// Upsert replaces the entry with a single SET. The Redis TTL mirrors the
// entry's own lifetime; Get still checks expires_at against the caller's clock.
func (s *Store) Upsert(ctx context.Context, e cache.Entry) error {
	if e.Key == "" {
		return fmt.Errorf("upsert cache entry: empty key")
	}
	ttl := e.ExpiresAt.Sub(e.CreatedAt)
	if ttl <= 0 {
		return s.client.Del(ctx, s.cacheKey(e.Key)).Err()
	}

	value := e.Value
	if value == nil {
		value = []byte{}
	}
	data, err := json.Marshal(cacheEnvelope{
		Value:     value,
		CreatedAt: e.CreatedAt.UTC().UnixNano(),
		ExpiresAt: e.ExpiresAt.UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := s.client.Set(ctx, s.cacheKey(e.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Get returns the entry for key if it is live at now.
func (s *Store) Get(ctx context.Context, key string, now time.Time) (cache.Entry, error) {
	data, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Entry{}, ports.ErrCacheMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("get cache entry: %w", err)
	}

	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Value == nil {
		return cache.Entry{}, fmt.Errorf("get cache entry %q: %w", key, cache.ErrMalformedValue)
	}

	entry := cache.Entry{
		Key:       key,
		Value:     env.Value,
		CreatedAt: time.Unix(0, env.CreatedAt).UTC(),
		ExpiresAt: time.Unix(0, env.ExpiresAt).UTC(),
	}
	if !entry.Live(now) {
		return cache.Entry{}, ports.ErrCacheMiss
	}
	return entry, nil
}

// DeleteExpired is a no-op: Redis expires cache keys itself.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// DeleteEventsBefore trims every event set below cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	max := fmt.Sprintf("(%.0f", score(cutoff))

	var total int64
	iter := s.client.Scan(ctx, 0, s.prefix+":events:*", 500).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
		if err != nil {
			return total, fmt.Errorf("trim usage events: %w", err)
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("scan usage events: %w", err)
	}
	return total, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ensure interface compliance.
var _ ports.Store = (*Store)(nil)
