// Package store defines the storage collaborator consumed by the event store
// adapter. Backends own durability and atomicity: a Tx either commits all of
// its writes or none of them, and a failed Commit leaves nothing visible.
package store

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
)

// SnapshotRecord is the persisted form of a snapshot. Data is opaque to the
// store; there is at most one record per (Name, AggregationKey).
type SnapshotRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AggregationKey string    `json:"aggregation_key"`
	EventID        string    `json:"event_id"`
	Data           []byte    `json:"data"`
	TakenAt        time.Time `json:"taken_at"`
}

// Reader is the read side visible to snapshot computations. Inside a Tx it
// includes the transaction's own pending writes.
type Reader interface {
	FindEvent(ctx context.Context, eventID string) (*event.StoredEvent, bool, error)
	CountByAggregationKey(ctx context.Context, key string) (int, error)
	EventsByAggregationKey(ctx context.Context, key string) ([]*event.StoredEvent, error)
}

// SnapshotWriter persists snapshot records.
type SnapshotWriter interface {
	PutSnapshot(ctx context.Context, rec SnapshotRecord) error
}

// Tx is one pending transaction. Implementations are not required to be
// safe for concurrent use; callers serialize access.
type Tx interface {
	Reader
	SnapshotWriter
	// CreateEvent stages rec as pending.
	CreateEvent(ctx context.Context, rec *event.StoredEvent) error
	Commit(ctx context.Context) error
	// Rollback discards pending writes. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// Backend is a durable keyed store with transactional writes.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	// Event returns a committed event or a fault.KindNoEntity error.
	Event(ctx context.Context, eventID string) (*event.StoredEvent, error)
	// Snapshot returns a committed snapshot or a fault.KindNoEntity error.
	Snapshot(ctx context.Context, name, key string) (*SnapshotRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
