package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/cataldij/quotacache/domain/usage"
	"github.com/cataldij/quotacache/ports"
)

// EventStore implements ports.EventStore on a SQL database.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new SQL event store.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Append inserts one usage event.
func (s *EventStore) Append(ctx context.Context, e usage.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := usage.EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO usage_events (id, identity, operation, occurred_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`), e.ID, e.Identity, e.Operation, toNanos(e.OccurredAt), string(meta))
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// CountSince counts events with occurred_at >= since.
func (s *EventStore) CountSince(ctx context.Context, identity, operation string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*)
		FROM usage_events
		WHERE identity = ? AND operation = ? AND occurred_at >= ?
	`), identity, operation, toNanos(since))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return n, nil
}

// ListSince returns matching events, newest first, up to limit.
func (s *EventStore) ListSince(ctx context.Context, identity, operation string, since time.Time, limit int) ([]usage.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, identity, operation, occurred_at, metadata
		FROM usage_events
		WHERE identity = ? AND operation = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`), identity, operation, toNanos(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var (
			e          usage.Event
			occurredAt int64
			meta       []byte
		)
		if err := rows.Scan(&e.ID, &e.Identity, &e.Operation, &occurredAt, &meta); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.OccurredAt = fromNanos(occurredAt)
		// Metadata is opaque to the core; an unreadable blob is dropped, not fatal.
		e.Metadata, _ = usage.DecodeMetadata(meta)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore removes events older than cutoff.
func (s *EventStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM usage_events WHERE occurred_at < ?
	`), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete usage events: %w", err)
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.EventStore = (*EventStore)(nil)
