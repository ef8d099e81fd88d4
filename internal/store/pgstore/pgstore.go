// Package pgstore is a PostgreSQL store.Backend. Transactions map onto
// database transactions; writers for the same aggregation key are
// serialized with a transaction-scoped advisory lock so snapshot reads see
// every event committed before them.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq             BIGSERIAL,
	record_id       TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE CHECK (length(event_id) BETWEEN 1 AND 255),
	aggregation_key TEXT NOT NULL CHECK (length(aggregation_key) <= 255),
	fields          JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_aggregation_key_seq_idx ON events (aggregation_key, seq);

CREATE TABLE IF NOT EXISTS snapshots (
	name            TEXT NOT NULL,
	aggregation_key TEXT NOT NULL,
	id              TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	data            BYTEA NOT NULL,
	taken_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, aggregation_key)
);
`

// Store is a pgxpool-backed backend.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool, log), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log.With(slog.String("store", "postgres"))}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &tx{s: s, pgtx: pgtx, pending: map[string]struct{}{}, locked: map[string]struct{}{}}, nil
}

func (s *Store) Event(ctx context.Context, eventID string) (*event.StoredEvent, error) {
	rec, err := scanEvent(s.pool.QueryRow(ctx, selectEvent+` WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNoEntity, "no event %q", eventID)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = event.StatusCommitted
	return rec, nil
}

func (s *Store) Snapshot(ctx context.Context, name, key string) (*store.SnapshotRecord, error) {
	var rec store.SnapshotRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, aggregation_key, event_id, data, taken_at
		FROM snapshots
		WHERE name = $1 AND aggregation_key = $2
	`, name, key).Scan(&rec.ID, &rec.Name, &rec.AggregationKey, &rec.EventID, &rec.Data, &rec.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNoEntity, "no snapshot %s for key %q", name, key)
	}
	if err != nil {
		return nil, err
	}
	rec.TakenAt = rec.TakenAt.UTC()
	return &rec, nil
}

// classify maps constraint violations onto fault kinds.
func classify(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fault.Wrap(fault.KindCommitFailed, err, format, args...)
		case codeCheckViolation:
			return fault.Wrap(fault.KindValidationFailed, err, format, args...)
		}
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

var _ store.Backend = (*Store)(nil)
