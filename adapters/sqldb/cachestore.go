package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cataldij/quotacache/domain/cache"
	"github.com/cataldij/quotacache/ports"
)

// CacheStore implements ports.CacheStore on a SQL database.
type CacheStore struct {
	db        *DB
	upsertSQL string
}

// NewCacheStore creates a new SQL cache store.
func NewCacheStore(db *DB) *CacheStore {
	return &CacheStore{db: db, upsertSQL: upsertCacheSQL(db)}
}

func upsertCacheSQL(db *DB) string {
	if db.Dialect() == MySQL {
		return `
		INSERT INTO cache_entries (cache_key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value = VALUES(value),
			created_at = VALUES(created_at),
			expires_at = VALUES(expires_at)
	`
	}
	return db.Rebind(`
		INSERT INTO cache_entries (cache_key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`)
}

// Upsert inserts or replaces the entry in a single statement.
func (s *CacheStore) Upsert(ctx context.Context, e cache.Entry) error {
	if e.Key == "" {
		return fmt.Errorf("upsert cache entry: empty key")
	}
	value := e.Value
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, s.upsertSQL, e.Key, value, toNanos(e.CreatedAt), toNanos(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Get returns the entry for key if expires_at > now.
func (s *CacheStore) Get(ctx context.Context, key string, now time.Time) (cache.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT value, created_at, expires_at,
		       CASE WHEN value IS NULL THEN 1 ELSE 0 END
		FROM cache_entries
		WHERE cache_key = ? AND expires_at > ?
	`), key, toNanos(now))

	var (
		value     []byte
		createdAt int64
		expiresAt int64
		isNull    int
	)
	err := row.Scan(&value, &createdAt, &expiresAt, &isNull)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, ports.ErrCacheMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("get cache entry: %w", err)
	}
	if isNull == 1 {
		return cache.Entry{}, fmt.Errorf("get cache entry %q: %w", key, cache.ErrMalformedValue)
	}
	if value == nil {
		value = []byte{}
	}

	return cache.Entry{
		Key:       key,
		Value:     value,
		CreatedAt: fromNanos(createdAt),
		ExpiresAt: fromNanos(expiresAt),
	}, nil
}

// DeleteExpired removes entries with expires_at <= now.
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM cache_entries WHERE expires_at <= ?
	`), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.CacheStore = (*CacheStore)(nil)
