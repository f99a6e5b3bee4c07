package sqldb

import (
	"github.com/cataldij/quotacache/ports"
)

// Store bundles the SQL event and cache stores over one connection.
type Store struct {
	*DB
	*EventStore
	*CacheStore
}

// NewStore creates a store over db. The caller must have run db.Migrate.
func NewStore(db *DB) *Store {
	return &Store{
		DB:         db,
		EventStore: NewEventStore(db),
		CacheStore: NewCacheStore(db),
	}
}

// Ensure interface compliance.
var _ ports.Store = (*Store)(nil)
