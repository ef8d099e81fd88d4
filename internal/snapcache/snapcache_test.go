package snapcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

type mapCache struct {
	mu   sync.Mutex
	recs map[string]store.SnapshotRecord
	err  error
}

func newMapCache() *mapCache { return &mapCache{recs: map[string]store.SnapshotRecord{}} }

func (m *mapCache) Get(_ context.Context, name, key string) (*store.SnapshotRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	rec, ok := m.recs[Key(name, key)]
	return &rec, ok, nil
}

func (m *mapCache) Put(_ context.Context, recs ...store.SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, r := range recs {
		m.recs[Key(r.Name, r.AggregationKey)] = r
	}
	return nil
}

func (m *mapCache) Ping(context.Context) error { return nil }
func (m *mapCache) Close() error               { return nil }

type countingSource struct {
	recs  map[string]store.SnapshotRecord
	loads int
}

func (s *countingSource) Snapshot(_ context.Context, name, key string) (*store.SnapshotRecord, error) {
	s.loads++
	rec, ok := s.recs[Key(name, key)]
	if !ok {
		return nil, fault.New(fault.KindNoEntity, "no snapshot %s/%s", name, key)
	}
	return &rec, nil
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	rec := store.SnapshotRecord{Name: "count", AggregationKey: "a1", Data: []byte(`{"count":2}`)}
	src := &countingSource{recs: map[string]store.SnapshotRecord{Key("count", "a1"): rec}}
	cache := newMapCache()
	rt := NewReadThrough(cache, src, nil)

	got, err := rt.Snapshot(ctx, "count", "a1")
	require.NoError(t, err)
	require.Equal(t, rec.Data, got.Data)
	got, err = rt.Snapshot(ctx, "count", "a1")
	require.NoError(t, err)
	require.Equal(t, rec.Data, got.Data)
	require.Equal(t, 1, src.loads)

	_, err = rt.Snapshot(ctx, "count", "missing")
	require.True(t, fault.Is(err, fault.KindNoEntity))
}

func TestReadThrough_CacheErrorFallsBack(t *testing.T) {
	rec := store.SnapshotRecord{Name: "count", AggregationKey: "a1"}
	src := &countingSource{recs: map[string]store.SnapshotRecord{Key("count", "a1"): rec}}
	cache := newMapCache()
	cache.err = errors.New("connection refused")

	_, err := NewReadThrough(cache, src, nil).Snapshot(context.Background(), "count", "a1")
	require.NoError(t, err)
	require.Equal(t, 1, src.loads)
}

func TestPublisher(t *testing.T) {
	cache := newMapCache()
	publish := Publisher(cache, nil)

	publish(context.Background(), []snapshot.Snapshot{
		snapshot.Persisted{Rec: store.SnapshotRecord{Name: "count", AggregationKey: "a1", Data: []byte("1")}},
		"opaque values are skipped",
	})
	require.Len(t, cache.recs, 1)
	require.Equal(t, []byte("1"), cache.recs["snapshot:count:a1"].Data)

	cache.err = errors.New("down")
	publish(context.Background(), nil)
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	_, ok, err := c.Get(context.Background(), "count", "a1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Put(context.Background(), store.SnapshotRecord{}))
}

func TestRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	c, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")),
	)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	addr, err := c.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	cache, err := Dial(ctx, addr, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	_, ok, err := cache.Get(ctx, "count", "a1")
	require.NoError(t, err)
	require.False(t, ok)

	rec := store.SnapshotRecord{ID: "r1", Name: "count", AggregationKey: "a1", EventID: "m1", Data: []byte(`{"count":1}`), TakenAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, cache.Put(ctx, rec))

	got, ok, err := cache.Get(ctx, "count", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.ID, got.ID)
	require.JSONEq(t, `{"count":1}`, string(got.Data))
	require.True(t, rec.TakenAt.Equal(got.TakenAt))

	// publishes land out of order; the later snapshot stays
	newer := rec
	newer.ID, newer.EventID, newer.Data = "r3", "m3", []byte(`{"count":3}`)
	newer.TakenAt = rec.TakenAt.Add(2 * time.Millisecond)
	older := rec
	older.ID, older.EventID, older.Data = "r2", "m2", []byte(`{"count":2}`)
	older.TakenAt = rec.TakenAt.Add(time.Millisecond)

	require.NoError(t, cache.Put(ctx, newer))
	require.NoError(t, cache.Put(ctx, older))
	got, ok, err = cache.Get(ctx, "count", "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r3", got.ID)
	require.JSONEq(t, `{"count":3}`, string(got.Data))

	// a read-through fill with a stale store read does not regress it either
	require.NoError(t, cache.Put(ctx, rec))
	got, _, err = cache.Get(ctx, "count", "a1")
	require.NoError(t, err)
	require.Equal(t, "r3", got.ID)

	ttl, err := cache.rdb.PTTL(ctx, Key("count", "a1")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
