package memstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// tx state is only touched from the store's queue goroutine, except for the
// key lock bookkeeping which lockMu guards.
type tx struct {
	s        *Store
	pending  map[string]*event.StoredEvent
	order    []string
	snaps    map[string]store.SnapshotRecord
	finished bool

	acquireMu sync.Mutex // one key acquisition at a time per tx
	lockMu    sync.Mutex
	locked    map[string]struct{}
	unlocked  bool
}

// lockKey takes the aggregation key lock for the rest of the transaction.
func (t *tx) lockKey(ctx context.Context, key string) error {
	t.acquireMu.Lock()
	defer t.acquireMu.Unlock()

	t.lockMu.Lock()
	_, held := t.locked[key]
	done := t.unlocked
	t.lockMu.Unlock()
	switch {
	case done:
		return ErrTxFinished
	case held:
		return nil
	}

	if err := t.s.keys.acquire(ctx, key); err != nil {
		return err
	}
	t.lockMu.Lock()
	defer t.lockMu.Unlock()
	if t.unlocked {
		t.s.keys.release(key)
		return ErrTxFinished
	}
	t.locked[key] = struct{}{}
	return nil
}

// unlockAll releases every key lock. Safe to call more than once.
func (t *tx) unlockAll() {
	t.lockMu.Lock()
	keys := t.locked
	t.locked = nil
	t.unlocked = true
	t.lockMu.Unlock()
	for k := range keys {
		t.s.keys.release(k)
	}
}

func (t *tx) FindEvent(ctx context.Context, eventID string) (*event.StoredEvent, bool, error) {
	var (
		out   *event.StoredEvent
		found bool
	)
	err := t.s.do(ctx, func() error {
		if rec, ok := t.pending[eventID]; ok {
			out, found = clone(rec), true
			return nil
		}
		if rec, ok := t.s.events[eventID]; ok {
			out, found = clone(rec), true
		}
		return nil
	})
	return out, found, err
}

func (t *tx) CreateEvent(ctx context.Context, rec *event.StoredEvent) error {
	if err := t.lockKey(ctx, rec.Key); err != nil {
		return err
	}
	return t.s.do(ctx, func() error {
		if t.finished {
			return ErrTxFinished
		}
		if _, ok := t.pending[rec.ID]; ok {
			return fault.New(fault.KindValidationFailed, "event %q already pending", rec.ID)
		}
		cp := clone(rec)
		cp.Status = event.StatusPending
		t.pending[rec.ID] = cp
		t.order = append(t.order, rec.ID)
		return nil
	})
}

// visiblePending lists pending records not shadowed by a commit from another
// transaction, in insertion order.
func (t *tx) visiblePending(key string) []*event.StoredEvent {
	var out []*event.StoredEvent
	for _, id := range t.order {
		rec := t.pending[id]
		if rec.Key != key {
			continue
		}
		if _, committed := t.s.events[id]; committed {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (t *tx) CountByAggregationKey(ctx context.Context, key string) (int, error) {
	if err := t.lockKey(ctx, key); err != nil {
		return 0, err
	}
	var n int
	err := t.s.do(ctx, func() error {
		n = len(t.s.byKey[key]) + len(t.visiblePending(key))
		return nil
	})
	return n, err
}

func (t *tx) EventsByAggregationKey(ctx context.Context, key string) ([]*event.StoredEvent, error) {
	if err := t.lockKey(ctx, key); err != nil {
		return nil, err
	}
	var out []*event.StoredEvent
	err := t.s.do(ctx, func() error {
		for _, id := range t.s.byKey[key] {
			out = append(out, clone(t.s.events[id]))
		}
		for _, rec := range t.visiblePending(key) {
			out = append(out, clone(rec))
		}
		return nil
	})
	return out, err
}

func (t *tx) PutSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	if err := t.lockKey(ctx, rec.AggregationKey); err != nil {
		return err
	}
	return t.s.do(ctx, func() error {
		if t.finished {
			return ErrTxFinished
		}
		t.snaps[snapshotKey(rec.Name, rec.AggregationKey)] = rec
		return nil
	})
}

func (t *tx) Commit(ctx context.Context) error {
	return t.s.do(ctx, func() error {
		if t.finished {
			return ErrTxFinished
		}
		t.finished = true
		// check everything before applying anything
		for _, id := range t.order {
			if _, exists := t.s.events[id]; exists {
				t.discard()
				return fault.New(fault.KindCommitFailed, "event %q was committed by another transaction", id)
			}
		}
		for _, id := range t.order {
			rec := t.pending[id]
			rec.Status = event.StatusCommitted
			t.s.events[id] = rec
			t.s.byKey[rec.Key] = append(t.s.byKey[rec.Key], id)
		}
		for k, rec := range t.snaps {
			t.s.snapshots[k] = rec
		}
		t.s.log.Debug("commit",
			slog.Int("events", len(t.order)),
			slog.Int("snapshots", len(t.snaps)),
		)
		t.discard()
		return nil
	})
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.s.do(ctx, func() error {
		if t.finished {
			return nil
		}
		t.finished = true
		t.discard()
		return nil
	})
	if err != nil {
		// the queue never ran the rollback; free the keys anyway
		t.unlockAll()
	}
	return err
}

// discard drops the transaction's writes and frees its keys once the queue
// has applied or rejected them.
func (t *tx) discard() {
	t.pending = map[string]*event.StoredEvent{}
	t.order = nil
	t.snaps = map[string]store.SnapshotRecord{}
	t.unlockAll()
}

var _ store.Tx = (*tx)(nil)
