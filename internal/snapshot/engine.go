package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// Engine runs a fixed set of snapshotters. It is read-only after New and
// safe for concurrent use.
type Engine struct {
	snapshotters []Snapshotter
	log          *slog.Logger
}

// NewEngine returns an engine over snapshotters. Names must be unique.
func NewEngine(log *slog.Logger, snapshotters ...Snapshotter) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	seen := make(map[string]struct{}, len(snapshotters))
	for _, s := range snapshotters {
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("snapshot engine: duplicate snapshotter %q", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}
	return &Engine{
		snapshotters: snapshotters,
		log:          log.With(slog.String("component", "snapshot")),
	}, nil
}

// Names lists the snapshotters in registration order.
func (e *Engine) Names() []string {
	out := make([]string, len(e.snapshotters))
	for i, s := range e.snapshotters {
		out[i] = s.Name()
	}
	return out
}

// Applicable returns the snapshotters that accept ev.
func (e *Engine) Applicable(ev event.Event) []Snapshotter {
	var out []Snapshotter
	for _, s := range e.snapshotters {
		if s.AppliesTo(ev) {
			out = append(out, s)
		}
	}
	return out
}

// Run takes and persists one snapshot per applicable snapshotter, all
// concurrently, and waits for every branch. The first failure cancels the
// others and is returned as fault.KindSnapshotFailed; branches that already
// persisted are left to the caller's transaction to discard. On success the
// result holds exactly one snapshot per applicable snapshotter, in
// completion order.
func (e *Engine) Run(ctx context.Context, r store.Reader, w store.SnapshotWriter, ev event.Event) ([]Snapshot, error) {
	applicable := e.Applicable(ev)
	out := make([]Snapshot, 0, len(applicable))
	if len(applicable) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range applicable {
		g.Go(func() error {
			start := time.Now()
			snap, err := runOne(gctx, s, r, w, ev)
			metrics.SnapshotDuration.WithLabelValues(s.Name()).Observe(float64(time.Since(start).Microseconds()) / 1000)
			if err != nil {
				metrics.SnapshotsTaken.WithLabelValues(s.Name(), "error").Inc()
				return fault.Wrap(fault.KindSnapshotFailed, err, "snapshotter %q", s.Name())
			}
			metrics.SnapshotsTaken.WithLabelValues(s.Name(), "ok").Inc()

			mu.Lock()
			out = append(out, snap)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Debug("snapshots taken",
		slog.String("event_id", ev.EventID()),
		slog.Int("count", len(out)),
	)
	return out, nil
}

func runOne(ctx context.Context, s Snapshotter, r store.Reader, w store.SnapshotWriter, ev event.Event) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.TakeSnapshot(ctx, r, ev)
	if err != nil {
		return nil, fmt.Errorf("take: %w", err)
	}
	return s.Persist(ctx, w, snap)
}
