// Package usage provides the usage event type and its pure helpers.
package usage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single quota-consuming action (immutable value type).
// Events are appended once and never updated or deleted by the core.
type Event struct {
	ID         string
	Identity   string
	Operation  string
	OccurredAt time.Time
	Metadata   map[string]any
}

// NewEvent builds an event. Metadata is copied so later mutation by the
// caller cannot leak into a queued write.
func NewEvent(id, identity, operation string, metadata map[string]any, occurredAt time.Time) Event {
	return Event{
		ID:         id,
		Identity:   identity,
		Operation:  operation,
		OccurredAt: occurredAt.UTC(),
		Metadata:   cloneMetadata(metadata),
	}
}

// Validate checks the fields every store relies on.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("usage event: id is required")
	case e.Identity == "":
		return fmt.Errorf("usage event: identity is required")
	case e.Operation == "":
		return fmt.Errorf("usage event: operation is required")
	case e.OccurredAt.IsZero():
		return fmt.Errorf("usage event: occurred_at is required")
	}
	return nil
}

// EncodeMetadata serializes metadata for blob columns.
// Nil or empty metadata encodes as "{}".
func EncodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func cloneMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
