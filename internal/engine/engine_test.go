package engine

import (
	"context"
	"fmt"
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

func newPipeline(t *testing.T, mem *memstore.Store, topic string, snaps ...snapshot.Snapshotter) *pipeline.Pipeline {
	t.Helper()
	parsers := parser.NewRegistry()
	parsers.Register(jsonparser.MustNew("p", topic, ""))
	eng, err := snapshot.NewEngine(nil, snaps...)
	require.NoError(t, err)
	return pipeline.New(parsers, eng, eventstore.New(mem))
}

func newMem(t *testing.T) *memstore.Store {
	t.Helper()
	mem := memstore.New()
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

func message(id string) event.Message {
	return event.Message{MessageID: id, Topic: "/registers/1", Body: []byte(`{"aggregationKey":"a1"}`)}
}

func TestProcessSync(t *testing.T) {
	mem := newMem(t)
	e := New(context.Background(), newPipeline(t, mem, "/registers/.*", snapshot.NewCounter("count", nil)),
		config.EngineConf{Workers: 2, QueueDepth: 4, TimeoutMs: 1000}, nil)
	defer e.Shutdown()

	snaps, err := e.ProcessSync(context.Background(), message("m1"))
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	_, err = e.ProcessSync(context.Background(), event.Message{MessageID: "m2", Topic: "/nope"})
	require.True(t, fault.Is(err, fault.KindNoMatchingParser))
}

func TestProcessSync_QueueFull(t *testing.T) {
	mem := newMem(t)
	// no workers, so the single queue slot stays taken
	e := New(context.Background(), newPipeline(t, mem, "/registers/.*"),
		config.EngineConf{Workers: 0, QueueDepth: 1, TimeoutMs: 1000}, nil)
	defer e.Shutdown()

	require.True(t, e.ProcessAsync(message("m1")))
	require.Equal(t, 1.0, e.QueueUtilization())
	require.False(t, e.ProcessAsync(message("m2")))

	_, err := e.ProcessSync(context.Background(), message("m3"))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestProcessSync_Timeout(t *testing.T) {
	mem := newMem(t)
	e := New(context.Background(), newPipeline(t, mem, "/registers/.*", blocking{}),
		config.EngineConf{Workers: 1, QueueDepth: 1, TimeoutMs: 50}, nil)
	defer e.Shutdown()

	_, err := e.ProcessSync(context.Background(), message("m1"))
	require.ErrorIs(t, err, ErrTimeout)

	// the canceled run committed nothing
	require.Eventually(t, func() bool {
		n, err := mem.Len(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestProcessAsync(t *testing.T) {
	mem := newMem(t)
	e := New(context.Background(), newPipeline(t, mem, "/registers/.*", snapshot.NewCounter("count", nil)),
		config.EngineConf{Workers: 4, QueueDepth: 64, TimeoutMs: 1000}, nil)

	for i := 0; i < 20; i++ {
		require.True(t, e.ProcessAsync(message(fmt.Sprintf("m%d", i))))
	}
	e.Shutdown()

	n, err := mem.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.False(t, e.ProcessAsync(message("late")))
}

func TestSwapPipeline(t *testing.T) {
	mem := newMem(t)
	e := New(context.Background(), newPipeline(t, mem, "/registers/.*"),
		config.EngineConf{Workers: 1, QueueDepth: 4, TimeoutMs: 1000}, nil)
	defer e.Shutdown()

	next := newPipeline(t, mem, "/orders/.*")
	e.SwapPipeline(next)
	require.Same(t, next, e.Pipeline())

	_, err := e.ProcessSync(context.Background(), message("m1"))
	require.True(t, fault.Is(err, fault.KindNoMatchingParser))
}

// blocking never finishes a snapshot until its context ends.
type blocking struct{}

func (blocking) Name() string              { return "blocking" }
func (blocking) AppliesTo(event.Event) bool { return true }

func (blocking) TakeSnapshot(ctx context.Context, _ store.Reader, _ event.Event) (snapshot.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blocking) Persist(_ context.Context, _ store.SnapshotWriter, s snapshot.Snapshot) (snapshot.Snapshot, error) {
	return s, nil
}
