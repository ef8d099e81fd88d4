package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/eventstore"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser/jsonparser"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/pipeline"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store/memstore"
)

type fixture struct {
	pipeline *pipeline.Pipeline
	es       *eventstore.Store
	mem      *memstore.Store
}

func newFixture(t *testing.T, backend func(*memstore.Store) store.Backend, snaps []snapshot.Snapshotter, opts ...pipeline.Option) *fixture {
	t.Helper()
	mem := memstore.New()
	t.Cleanup(func() { _ = mem.Close() })

	var b store.Backend = mem
	if backend != nil {
		b = backend(mem)
	}
	es := eventstore.New(b)

	parsers := parser.NewRegistry()
	parsers.Register(jsonparser.MustNew("registers", "/registers/.*", ""))

	engine, err := snapshot.NewEngine(nil, snaps...)
	require.NoError(t, err)
	return &fixture{pipeline: pipeline.New(parsers, engine, es, opts...), es: es, mem: mem}
}

func counter() []snapshot.Snapshotter {
	return []snapshot.Snapshotter{snapshot.NewCounter("count", nil)}
}

func msg(id, key string) event.Message {
	return event.Message{
		MessageID: id,
		Topic:     "/registers/1",
		Body:      []byte(fmt.Sprintf(`{"aggregationKey":%q}`, key)),
	}
}

func countOf(t *testing.T, s snapshot.Snapshot) int {
	t.Helper()
	p, ok := s.(snapshot.Persisted)
	require.True(t, ok, "unexpected snapshot %T", s)
	return p.Value.(snapshot.Count).Count
}

func TestHandle_SingleMessage(t *testing.T) {
	f := newFixture(t, nil, counter())

	snaps, err := f.pipeline.Handle(context.Background(), msg("m1", "a1"))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, 1, countOf(t, snaps[0]))

	stored, err := f.es.Event(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, stored.Committed())
	require.Equal(t, "a1", stored.AggregationKey())
}

func TestHandle_AggregationCorrectness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, counter())

	var last []snapshot.Snapshot
	for i := 0; i < 150; i++ {
		snaps, err := f.pipeline.Handle(ctx, msg(fmt.Sprintf("m%d", i), "a1"))
		require.NoError(t, err)
		last = snaps
	}
	require.Equal(t, 150, countOf(t, last[0]))

	rec, err := f.es.Snapshot(ctx, "count", "a1")
	require.NoError(t, err)
	require.JSONEq(t, `{"aggregation_key":"a1","event_id":"m149","count":150}`, string(rec.Data))
}

// slow widens the window between insert and count.
type slow struct{ snapshot.Snapshotter }

func (s slow) TakeSnapshot(ctx context.Context, r store.Reader, ev event.Event) (snapshot.Snapshot, error) {
	time.Sleep(time.Millisecond)
	return s.Snapshotter.TakeSnapshot(ctx, r, ev)
}

func TestHandle_ConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, []snapshot.Snapshotter{slow{snapshot.NewCounter("count", nil)}})

	const runs = 150
	type result struct {
		snaps []snapshot.Snapshot
		err   error
	}
	var wg sync.WaitGroup
	results := make(chan result, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps, err := f.pipeline.Handle(ctx, msg(fmt.Sprintf("m%d", i), "a1"))
			results <- result{snaps, err}
		}(i)
	}
	wg.Wait()
	close(results)

	// runs on one key are serialized, so every run sees a distinct count
	var counts []int
	for r := range results {
		require.NoError(t, r.err)
		require.Len(t, r.snaps, 1)
		counts = append(counts, countOf(t, r.snaps[0]))
	}
	want := make([]int, runs)
	for i := range want {
		want[i] = i + 1
	}
	require.ElementsMatch(t, want, counts)

	n, err := f.mem.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, runs, n)

	rec, err := f.es.Snapshot(ctx, "count", "a1")
	require.NoError(t, err)
	var persisted struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Data, &persisted))
	require.Equal(t, runs, persisted.Count)

	snaps, err := f.pipeline.Handle(ctx, msg("final", "a1"))
	require.NoError(t, err)
	require.Equal(t, runs+1, countOf(t, snaps[0]))
}

func TestHandle_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, counter())

	_, err := f.pipeline.Handle(ctx, msg("m1", "a1"))
	require.NoError(t, err)
	first, err := f.es.Event(ctx, "m1")
	require.NoError(t, err)

	snaps, err := f.pipeline.Handle(ctx, msg("m1", "a1"))
	require.NoError(t, err)
	require.Equal(t, 1, countOf(t, snaps[0]))

	second, err := f.es.Event(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, first.RecordID, second.RecordID)

	n, err := f.mem.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHandle_RoutingPrecedence(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	t.Cleanup(func() { _ = mem.Close() })
	es := eventstore.New(mem)

	parsers := parser.NewRegistry()
	parsers.Register(jsonparser.MustNew("first", "/registers/.*", "messageID"))
	parsers.Register(jsonparser.MustNew("second", "/registers/1", "other"))
	engine, err := snapshot.NewEngine(nil)
	require.NoError(t, err)
	p := pipeline.New(parsers, engine, es)

	_, err = p.Handle(ctx, event.Message{
		MessageID: "env",
		Topic:     "/registers/1",
		Body:      []byte(`{"messageID":"x1","other":"x2","aggregationKey":"a"}`),
	})
	require.NoError(t, err)

	_, err = es.Event(ctx, "x1")
	require.NoError(t, err)
	_, err = es.Event(ctx, "x2")
	require.True(t, fault.Is(err, fault.KindNoEntity))
}

func TestHandle_UnknownTopic(t *testing.T) {
	ctx := context.Background()
	var stages []pipeline.Stage
	f := newFixture(t, nil, counter(), pipeline.WithTransitionHook(func(_ event.Message, _, to pipeline.Stage) {
		stages = append(stages, to)
	}))

	_, err := f.pipeline.Handle(ctx, event.Message{MessageID: "m1", Topic: "/unknown/x", Body: []byte(`{}`)})
	require.True(t, fault.Is(err, fault.KindNoMatchingParser))
	require.Equal(t, 404, fault.CodeOf(err))
	require.Equal(t, "routing", fault.StageOf(err))
	require.Equal(t, []pipeline.Stage{pipeline.StageRouting, pipeline.StageFailed}, stages)

	n, err := f.mem.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = f.es.Snapshot(ctx, "count", "a1")
	require.True(t, fault.Is(err, fault.KindNoEntity))
}

func TestHandle_MalformedPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, counter())

	for _, body := range []string{`not json`, `[1,2]`, `{"a":1} {"b":2}`} {
		_, err := f.pipeline.Handle(ctx, event.Message{MessageID: "m1", Topic: "/registers/1", Body: []byte(body)})
		require.True(t, fault.Is(err, fault.KindMalformedPayload), body)
		require.Equal(t, "parsing", fault.StageOf(err))
	}
	n, _ := f.mem.Len(ctx)
	require.Zero(t, n)
}

func TestHandle_ValidationFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, counter())

	_, err := f.pipeline.Handle(ctx, event.Message{Topic: "/registers/1", Body: []byte(`{"aggregationKey":"a1"}`)})
	require.True(t, fault.Is(err, fault.KindValidationFailed))
	require.Equal(t, "inserting", fault.StageOf(err))
}

func TestHandle_AtomicCommitOnSnapshotFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, []snapshot.Snapshotter{
		snapshot.NewCounter("count", nil),
		failing{},
	})

	_, err := f.pipeline.Handle(ctx, msg("m1", "a1"))
	require.True(t, fault.Is(err, fault.KindSnapshotFailed))
	require.Equal(t, "snapshotting", fault.StageOf(err))

	_, err = f.es.Event(ctx, "m1")
	require.True(t, fault.Is(err, fault.KindNoEntity))
	_, err = f.es.Snapshot(ctx, "count", "a1")
	require.True(t, fault.Is(err, fault.KindNoEntity))

	// an independent run for the same event starts from scratch
	g := newFixture(t, func(*memstore.Store) store.Backend { return f.mem }, counter())
	snaps, err := g.pipeline.Handle(ctx, msg("m1", "a1"))
	require.NoError(t, err)
	require.Equal(t, 1, countOf(t, snaps[0]))
}

func TestHandle_CommitFailed(t *testing.T) {
	ctx := context.Background()
	var hooked bool
	f := newFixture(t,
		func(m *memstore.Store) store.Backend { return refusingBackend{m} },
		counter(),
		pipeline.WithCommitHook(func(context.Context, []snapshot.Snapshot) { hooked = true }),
	)

	_, err := f.pipeline.Handle(ctx, msg("m1", "a1"))
	require.True(t, fault.Is(err, fault.KindCommitFailed))
	require.Equal(t, "committing", fault.StageOf(err))
	require.False(t, hooked)

	n, err := f.mem.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHandle_StagesAndCommitHook(t *testing.T) {
	var (
		stages    []pipeline.Stage
		first     pipeline.Stage = -1
		committed []snapshot.Snapshot
	)
	f := newFixture(t, nil, counter(),
		pipeline.WithTransitionHook(func(_ event.Message, from, to pipeline.Stage) {
			if len(stages) == 0 {
				first = from
			}
			stages = append(stages, to)
		}),
		pipeline.WithCommitHook(func(_ context.Context, s []snapshot.Snapshot) { committed = s }),
	)

	snaps, err := f.pipeline.Handle(context.Background(), msg("m1", "a1"))
	require.NoError(t, err)
	require.Equal(t, pipeline.Stage(0), first, "a run starts before routing")
	require.Equal(t, []pipeline.Stage{
		pipeline.StageRouting,
		pipeline.StageParsing,
		pipeline.StageInserting,
		pipeline.StageSnapshotting,
		pipeline.StageCommitting,
		pipeline.StageDone,
	}, stages)
	require.Equal(t, snaps, committed)
}

func TestHandleAsync(t *testing.T) {
	f := newFixture(t, nil, counter())

	res := <-f.pipeline.HandleAsync(context.Background(), msg("m1", "a1"))
	require.NoError(t, res.Err)
	require.Len(t, res.Snapshots, 1)

	res = <-f.pipeline.HandleAsync(context.Background(), event.Message{Topic: "/nope"})
	require.True(t, fault.Is(res.Err, fault.KindNoMatchingParser))
	require.Nil(t, res.Snapshots)
}

func TestStageString(t *testing.T) {
	require.Equal(t, "snapshotting", pipeline.StageSnapshotting.String())
	require.Equal(t, "unknown", pipeline.Stage(0).String())
}

type failing struct{}

func (failing) Name() string              { return "failing" }
func (failing) AppliesTo(event.Event) bool { return true }

func (failing) TakeSnapshot(context.Context, store.Reader, event.Event) (snapshot.Snapshot, error) {
	return nil, errors.New("disk on fire")
}

func (failing) Persist(_ context.Context, _ store.SnapshotWriter, s snapshot.Snapshot) (snapshot.Snapshot, error) {
	return s, nil
}

// refusingBackend wraps a memstore so every commit is refused.
type refusingBackend struct{ *memstore.Store }

func (b refusingBackend) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := b.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return refusingTx{tx}, nil
}

type refusingTx struct{ store.Tx }

func (refusingTx) Commit(context.Context) error { return errors.New("write conflict") }

func TestBuild(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Parse([]byte(`
version: "1"
parsers:
  - id: orders
    topic: /orders/.*
    id_field: orderID
snapshotters:
  - id: count
    type: count
  - id: revenue
    type: sum
    field: amount
    when: fields.amount > 0
  - id: disabled
    type: count
    enabled: false
`))
	require.NoError(t, err)

	mem := memstore.New()
	t.Cleanup(func() { _ = mem.Close() })
	p, err := pipeline.Build(cfg, eventstore.New(mem), snapshot.DefaultRegistry(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, p.Parsers())
	require.Equal(t, []string{"count", "revenue"}, p.Snapshotters())

	snaps, err := p.Handle(ctx, event.Message{
		MessageID: "env-1",
		Topic:     "/orders/eu",
		Body:      []byte(`{"orderID":"o1","aggregationKey":"c1","amount":12.5}`),
	})
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	stored, err := mem.Event(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "o1", stored.Fields()["eventID"])

	cfg.Snapshotters[0].Type = "median"
	_, err = pipeline.Build(cfg, eventstore.New(mem), snapshot.DefaultRegistry(), nil)
	require.ErrorContains(t, err, "median")
}
