package snapshot

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/predicate"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// Sum is the value produced by a Summer.
type Sum struct {
	AggregationKey string  `json:"aggregation_key"`
	EventID        string  `json:"event_id"`
	Field          string  `json:"field"`
	Sum            float64 `json:"sum"`
	Events         int     `json:"events"`
}

// Summer adds up a numeric field over the events sharing an aggregation key.
// Events without a numeric value at the field are skipped.
type Summer struct {
	base
	field string
	path  []string
}

// NewSummer sums field, a dotted path into the event fields.
func NewSummer(name, field string, when *predicate.Predicate) *Summer {
	return &Summer{
		base:  base{name: name, when: when},
		field: field,
		path:  strings.Split(field, "."),
	}
}

func (s *Summer) AppliesTo(ev event.Event) bool {
	if _, ok := s.value(ev.Fields()); !ok {
		return false
	}
	return s.matches(ev)
}

func (s *Summer) value(fields map[string]any) (float64, bool) {
	v, ok := predicate.LookupMap(fields, s.path)
	if !ok {
		return 0, false
	}
	return predicate.ToFloat64(v)
}

func (s *Summer) TakeSnapshot(ctx context.Context, r store.Reader, ev event.Event) (Snapshot, error) {
	events, err := r.EventsByAggregationKey(ctx, ev.AggregationKey())
	if err != nil {
		return nil, fmt.Errorf("load events for %q: %w", ev.AggregationKey(), err)
	}
	out := Sum{AggregationKey: ev.AggregationKey(), EventID: ev.EventID(), Field: s.field}
	for _, stored := range events {
		v, ok := s.value(stored.Fields())
		if !ok {
			continue
		}
		out.Sum += v
		out.Events++
	}
	out.Sum = math.Round(out.Sum*1e6) / 1e6
	return out, nil
}

func (s *Summer) Persist(ctx context.Context, w store.SnapshotWriter, snap Snapshot) (Snapshot, error) {
	sum, ok := snap.(Sum)
	if !ok {
		return nil, fmt.Errorf("summer %q: unexpected snapshot type %T", s.name, snap)
	}
	return s.persist(ctx, w, sum.AggregationKey, sum.EventID, sum)
}
