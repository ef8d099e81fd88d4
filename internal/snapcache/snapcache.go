// Package snapcache keeps recently committed snapshot records in Redis so
// reads do not have to reach the store.
package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// Cache stores committed snapshot records by (name, aggregation key).
type Cache interface {
	Get(ctx context.Context, name, key string) (*store.SnapshotRecord, bool, error)
	Put(ctx context.Context, recs ...store.SnapshotRecord) error
	Ping(ctx context.Context) error
	Close() error
}

// Key is the Redis key for a snapshot record.
func Key(name, aggregationKey string) string {
	return "snapshot:" + name + ":" + aggregationKey
}

// Redis is a Cache backed by a Redis client.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps rdb. A non-positive ttl keeps entries until evicted.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return NewRedis(rdb, ttl), nil
}

// putNewerScript stores a record unless the cached one was taken later.
// Publishes race after commit, so the write order says nothing.
var putNewerScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ts")
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "rec", ARGV[1], "ts", ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

func (r *Redis) Get(ctx context.Context, name, key string) (*store.SnapshotRecord, bool, error) {
	data, err := r.rdb.HGet(ctx, Key(name, key), "rec").Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues("get", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues("get", "error").Inc()
		return nil, false, err
	}
	var rec store.SnapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		metrics.CacheRequests.WithLabelValues("get", "error").Inc()
		return nil, false, fmt.Errorf("decode cached snapshot %s: %w", Key(name, key), err)
	}
	metrics.CacheRequests.WithLabelValues("get", "hit").Inc()
	return &rec, true, nil
}

// Put writes each record unless Redis already holds a later one for the same
// name and key. Records are ordered by TakenAt.
func (r *Redis) Put(ctx context.Context, recs ...store.SnapshotRecord) error {
	for _, rec := range recs {
		k := Key(rec.Name, rec.AggregationKey)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", k, err)
		}
		stored, err := putNewerScript.Run(ctx, r.rdb, []string{k},
			data, rec.TakenAt.UnixMicro(), r.ttl.Milliseconds()).Int()
		if err != nil {
			metrics.CacheRequests.WithLabelValues("put", "error").Inc()
			return fmt.Errorf("put snapshot %s: %w", k, err)
		}
		if stored == 0 {
			metrics.CacheRequests.WithLabelValues("put", "stale").Inc()
			continue
		}
		metrics.CacheRequests.WithLabelValues("put", "ok").Inc()
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.rdb.Close() }

// Noop is the Cache used when Redis is not configured.
type Noop struct{}

func (Noop) Get(context.Context, string, string) (*store.SnapshotRecord, bool, error) {
	return nil, false, nil
}
func (Noop) Put(context.Context, ...store.SnapshotRecord) error { return nil }
func (Noop) Ping(context.Context) error                         { return nil }
func (Noop) Close() error                                       { return nil }

// Publisher returns a commit hook that writes committed snapshots to c.
// Cache failures are logged and never fail the run.
func Publisher(c Cache, log *slog.Logger) func(context.Context, []snapshot.Snapshot) {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, snaps []snapshot.Snapshot) {
		recs := make([]store.SnapshotRecord, 0, len(snaps))
		for _, s := range snaps {
			if r, ok := s.(snapshot.Recorded); ok {
				recs = append(recs, r.Record())
			}
		}
		if err := c.Put(ctx, recs...); err != nil {
			log.Warn("snapshot cache publish failed", slog.Int("records", len(recs)), slog.Any("err", err))
		}
	}
}

// Source is where cache misses are loaded from.
type Source interface {
	Snapshot(ctx context.Context, name, key string) (*store.SnapshotRecord, error)
}

// ReadThrough serves snapshot reads from the cache, falling back to src and
// filling the cache on a miss. Concurrent misses for one key share a load.
type ReadThrough struct {
	cache Cache
	src   Source
	log   *slog.Logger
	loads singleflight.Group
}

func NewReadThrough(c Cache, src Source, log *slog.Logger) *ReadThrough {
	if log == nil {
		log = slog.Default()
	}
	return &ReadThrough{cache: c, src: src, log: log.With(slog.String("component", "snapcache"))}
}

// Snapshot returns the committed record or a fault.KindNoEntity error.
func (r *ReadThrough) Snapshot(ctx context.Context, name, key string) (*store.SnapshotRecord, error) {
	rec, ok, err := r.cache.Get(ctx, name, key)
	if err != nil {
		r.log.Warn("snapshot cache read failed", slog.String("key", Key(name, key)), slog.Any("err", err))
	}
	if ok {
		return rec, nil
	}
	v, err, _ := r.loads.Do(Key(name, key), func() (any, error) {
		rec, err := r.src.Snapshot(ctx, name, key)
		if err != nil {
			if !fault.Is(err, fault.KindNoEntity) {
				err = fmt.Errorf("load snapshot %s/%s: %w", name, key, err)
			}
			return nil, err
		}
		if err := r.cache.Put(ctx, *rec); err != nil {
			r.log.Warn("snapshot cache fill failed", slog.String("key", Key(name, key)), slog.Any("err", err))
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*store.SnapshotRecord)
	return &cp, nil
}
