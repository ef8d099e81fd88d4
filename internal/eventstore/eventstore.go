// Package eventstore adapts a store.Backend into idempotent, session-scoped
// event insertion with a single finalize step per session.
//
// Deduplication happens by identity lookup before insert rather than by
// handling unique-constraint violations, so a caller always gets back the
// stored record whether it was created now or earlier. This makes inserting
// a redelivered message harmless.
package eventstore

import (
	"context"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

// Store wraps a backend. It is safe for concurrent use; each pipeline run
// uses its own Session.
type Store struct {
	backend store.Backend
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides the record ID generator (default nanoid).
func WithIDGenerator(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// New wraps backend.
func New(backend store.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     slog.Default(),
		now:     time.Now,
		newID:   func() string { return gonanoid.Must() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "eventstore"))
	return s
}

// NewSession returns a session whose transaction opens on first use.
func (s *Store) NewSession() *Session {
	return &Session{store: s}
}

// Event returns a committed event or a fault.KindNoEntity error.
func (s *Store) Event(ctx context.Context, eventID string) (*event.StoredEvent, error) {
	return s.backend.Event(ctx, eventID)
}

// Snapshot returns a committed snapshot record or a fault.KindNoEntity error.
func (s *Store) Snapshot(ctx context.Context, name, key string) (*store.SnapshotRecord, error) {
	return s.backend.Snapshot(ctx, name, key)
}

func (s *Store) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

func (s *Store) Close() error { return s.backend.Close() }
