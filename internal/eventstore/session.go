package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// ErrSessionFinished is returned when a session is used after finalize or rollback.
var ErrSessionFinished = errors.New("eventstore: session already finished")

// Session is one pending transaction. All calls are serialized, so a session
// can be shared by concurrent snapshot computations.
type Session struct {
	store *Store

	mu       sync.Mutex
	tx       store.Tx
	inserted []*event.StoredEvent
	finished bool
}

// txLocked opens the backend transaction on first use. Caller holds mu.
func (x *Session) txLocked(ctx context.Context) (store.Tx, error) {
	if x.finished {
		return nil, ErrSessionFinished
	}
	if x.tx != nil {
		return x.tx, nil
	}
	tx, err := x.store.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	x.tx = tx
	return tx, nil
}

// InsertEvent returns the existing record for ev.EventID() unchanged, or
// creates, validates and stages a new pending record.
func (x *Session) InsertEvent(ctx context.Context, ev event.Event) (*event.StoredEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.txLocked(ctx)
	if err != nil {
		return nil, err
	}

	existing, found, err := tx.FindEvent(ctx, ev.EventID())
	if err != nil {
		return nil, fmt.Errorf("find event %q: %w", ev.EventID(), err)
	}
	if found {
		x.store.log.Debug("duplicate event", slog.String("event_id", ev.EventID()))
		return existing, nil
	}

	rec := event.NewStoredEvent(x.store.newID(), ev, x.store.now())
	if err := rec.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidationFailed, err, "event %q", ev.EventID())
	}
	if err := tx.CreateEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("create event %q: %w", ev.EventID(), err)
	}
	x.inserted = append(x.inserted, rec)
	return rec, nil
}

// FinalizeTransaction commits the session and returns the events it newly
// inserted. On failure the backend transaction is rolled back and a
// fault.KindCommitFailed error is returned.
func (x *Session) FinalizeTransaction(ctx context.Context) ([]*event.StoredEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.finished {
		return nil, ErrSessionFinished
	}
	x.finished = true
	if x.tx == nil {
		return nil, nil
	}

	if err := x.tx.Commit(ctx); err != nil {
		_ = x.tx.Rollback(context.WithoutCancel(ctx))
		if fault.Is(err, fault.KindCommitFailed) {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindCommitFailed, err, "commit")
	}

	out := make([]*event.StoredEvent, len(x.inserted))
	for i, rec := range x.inserted {
		rec.Status = event.StatusCommitted
		out[i] = rec
	}
	x.store.log.Debug("transaction committed", slog.Int("inserted", len(out)))
	return out, nil
}

// Rollback discards the session. It is safe to call more than once and after
// FinalizeTransaction.
func (x *Session) Rollback(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.finished {
		return nil
	}
	x.finished = true
	if x.tx == nil {
		return nil
	}
	// a canceled run must still release its pending writes
	return x.tx.Rollback(context.WithoutCancel(ctx))
}

func (x *Session) FindEvent(ctx context.Context, eventID string) (*event.StoredEvent, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.txLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	return tx.FindEvent(ctx, eventID)
}

func (x *Session) CountByAggregationKey(ctx context.Context, key string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.txLocked(ctx)
	if err != nil {
		return 0, err
	}
	return tx.CountByAggregationKey(ctx, key)
}

func (x *Session) EventsByAggregationKey(ctx context.Context, key string) ([]*event.StoredEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.txLocked(ctx)
	if err != nil {
		return nil, err
	}
	return tx.EventsByAggregationKey(ctx, key)
}

func (x *Session) PutSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.txLocked(ctx)
	if err != nil {
		return err
	}
	return tx.PutSnapshot(ctx, rec)
}

var (
	_ store.Reader         = (*Session)(nil)
	_ store.SnapshotWriter = (*Session)(nil)
)
