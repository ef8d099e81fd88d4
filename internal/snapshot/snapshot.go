// Package snapshot derives aggregates from stored events. Each snapshotter
// computes a value and persists it inside the caller's pending transaction;
// the Engine runs every applicable snapshotter concurrently and joins them.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/predicate"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// Snapshot is a snapshotter-defined value. The engine only moves it around.
type Snapshot = any

// Snapshotter computes and persists one kind of snapshot.
type Snapshotter interface {
	// Name identifies the snapshotter and its persisted records.
	Name() string
	AppliesTo(ev event.Event) bool
	// TakeSnapshot computes the snapshot. r sees the caller's pending writes.
	TakeSnapshot(ctx context.Context, r store.Reader, ev event.Event) (Snapshot, error)
	Persist(ctx context.Context, w store.SnapshotWriter, s Snapshot) (Snapshot, error)
}

// Recorded is implemented by snapshots that carry the record they were
// persisted as.
type Recorded interface {
	Record() store.SnapshotRecord
}

// Persisted is what the built-in snapshotters return from Persist.
type Persisted struct {
	Rec   store.SnapshotRecord
	Value any
}

func (p Persisted) Record() store.SnapshotRecord { return p.Rec }

func (p Persisted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name           string          `json:"name"`
		AggregationKey string          `json:"aggregation_key"`
		EventID        string          `json:"event_id"`
		TakenAt        time.Time       `json:"taken_at"`
		Value          json.RawMessage `json:"value"`
	}{p.Rec.Name, p.Rec.AggregationKey, p.Rec.EventID, p.Rec.TakenAt, p.Rec.Data})
}

// base holds what the built-in snapshotters share: a name and an optional
// applicability predicate.
type base struct {
	name string
	when *predicate.Predicate
}

func (b base) Name() string { return b.name }

func (b base) matches(ev event.Event) bool {
	return b.when == nil || b.when.Match(eventEnv{ev})
}

func (b base) persist(ctx context.Context, w store.SnapshotWriter, key, eventID string, v any) (Snapshot, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", b.name, err)
	}
	rec := store.SnapshotRecord{
		ID:             gonanoid.Must(),
		Name:           b.name,
		AggregationKey: key,
		EventID:        eventID,
		Data:           data,
		TakenAt:        time.Now().UTC(),
	}
	if err := w.PutSnapshot(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist %s snapshot for %q: %w", b.name, key, err)
	}
	return Persisted{Rec: rec, Value: v}, nil
}

// eventEnv exposes an event to predicates under event.* and fields.*.
type eventEnv struct{ ev event.Event }

func (e eventEnv) Lookup(path []string) (any, bool) {
	if len(path) < 2 {
		return nil, false
	}
	switch path[0] {
	case "event":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "id":
			return e.ev.EventID(), true
		case "aggregation_key":
			return e.ev.AggregationKey(), true
		case "origin":
			return e.ev.Origin().String(), true
		}
	case "fields":
		return predicate.LookupMap(e.ev.Fields(), path[1:])
	}
	return nil, false
}
