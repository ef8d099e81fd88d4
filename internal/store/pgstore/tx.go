package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

const selectEvent = `SELECT record_id, event_id, aggregation_key, fields, created_at FROM events`

type tx struct {
	s    *Store
	pgtx pgx.Tx
	// event ids written by this transaction; everything else read is committed
	pending map[string]struct{}
	locked  map[string]struct{}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.StoredEvent, error) {
	var (
		rec    event.StoredEvent
		fields []byte
	)
	if err := row.Scan(&rec.RecordID, &rec.ID, &rec.Key, &fields, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.Values); err != nil {
		return nil, err
	}
	if rec.Values == nil {
		rec.Values = map[string]any{}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (t *tx) status(rec *event.StoredEvent) *event.StoredEvent {
	rec.Status = event.StatusCommitted
	if _, ok := t.pending[rec.ID]; ok {
		rec.Status = event.StatusPending
	}
	return rec
}

func (t *tx) FindEvent(ctx context.Context, eventID string) (*event.StoredEvent, bool, error) {
	rec, err := scanEvent(t.pgtx.QueryRow(ctx, selectEvent+` WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t.status(rec), true, nil
}

// lockKey takes the aggregation key's advisory lock for the rest of the
// transaction. Reads take it too, so a count always follows the last commit
// on the key (read committed gives each statement a fresh view).
func (t *tx) lockKey(ctx context.Context, key string) error {
	if _, ok := t.locked[key]; ok {
		return nil
	}
	if _, err := t.pgtx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return err
	}
	t.locked[key] = struct{}{}
	return nil
}

func (t *tx) CreateEvent(ctx context.Context, rec *event.StoredEvent) error {
	if err := t.lockKey(ctx, rec.Key); err != nil {
		return classify(err, "lock aggregation key %q", rec.Key)
	}
	fields, err := json.Marshal(rec.Values)
	if err != nil {
		return err
	}
	_, err = t.pgtx.Exec(ctx, `
		INSERT INTO events (record_id, event_id, aggregation_key, fields, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.RecordID, rec.ID, rec.Key, fields, rec.CreatedAt)
	if err != nil {
		return classify(err, "insert event %q", rec.ID)
	}
	t.pending[rec.ID] = struct{}{}
	return nil
}

func (t *tx) CountByAggregationKey(ctx context.Context, key string) (int, error) {
	if err := t.lockKey(ctx, key); err != nil {
		return 0, classify(err, "lock aggregation key %q", key)
	}
	var n int
	err := t.pgtx.QueryRow(ctx, `SELECT count(*) FROM events WHERE aggregation_key = $1`, key).Scan(&n)
	return n, err
}

func (t *tx) EventsByAggregationKey(ctx context.Context, key string) ([]*event.StoredEvent, error) {
	if err := t.lockKey(ctx, key); err != nil {
		return nil, classify(err, "lock aggregation key %q", key)
	}
	rows, err := t.pgtx.Query(ctx, selectEvent+` WHERE aggregation_key = $1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.StoredEvent
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t.status(rec))
	}
	return out, rows.Err()
}

func (t *tx) PutSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	if err := t.lockKey(ctx, rec.AggregationKey); err != nil {
		return classify(err, "lock aggregation key %q", rec.AggregationKey)
	}
	_, err := t.pgtx.Exec(ctx, `
		INSERT INTO snapshots (name, aggregation_key, id, event_id, data, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, aggregation_key) DO UPDATE
		SET id = EXCLUDED.id,
			event_id = EXCLUDED.event_id,
			data = EXCLUDED.data,
			taken_at = EXCLUDED.taken_at
	`, rec.Name, rec.AggregationKey, rec.ID, rec.EventID, rec.Data, rec.TakenAt)
	if err != nil {
		return classify(err, "put snapshot %s/%s", rec.Name, rec.AggregationKey)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.pgtx.Commit(ctx); err != nil {
		return classify(err, "commit")
	}
	t.s.log.Debug("commit", slog.Int("events", len(t.pending)))
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.pgtx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

var _ store.Tx = (*tx)(nil)
