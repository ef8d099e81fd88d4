package snapshot

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/predicate"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// Count is the value produced by a Counter.
type Count struct {
	AggregationKey string `json:"aggregation_key"`
	EventID        string `json:"event_id"`
	Count          int    `json:"count"`
}

// Counter counts stored events sharing the event's aggregation key. It only
// applies to events parsed from a message payload.
type Counter struct{ base }

// NewCounter returns a counter named name. when may be nil.
func NewCounter(name string, when *predicate.Predicate) *Counter {
	return &Counter{base{name: name, when: when}}
}

func (c *Counter) AppliesTo(ev event.Event) bool {
	return ev.Origin() == event.OriginPayload && c.matches(ev)
}

func (c *Counter) TakeSnapshot(ctx context.Context, r store.Reader, ev event.Event) (Snapshot, error) {
	n, err := r.CountByAggregationKey(ctx, ev.AggregationKey())
	if err != nil {
		return nil, fmt.Errorf("count events for %q: %w", ev.AggregationKey(), err)
	}
	return Count{AggregationKey: ev.AggregationKey(), EventID: ev.EventID(), Count: n}, nil
}

func (c *Counter) Persist(ctx context.Context, w store.SnapshotWriter, s Snapshot) (Snapshot, error) {
	cnt, ok := s.(Count)
	if !ok {
		return nil, fmt.Errorf("counter %q: unexpected snapshot type %T", c.name, s)
	}
	return c.persist(ctx, w, cnt.AggregationKey, cnt.EventID, cnt)
}
