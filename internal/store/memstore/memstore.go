// Package memstore is an in-memory store.Backend. Every operation, from any
// transaction, runs on a single mutation queue goroutine per Store, so reads
// and writes observe one linearizable history.
//
// A transaction that creates, reads or snapshots an aggregation key holds
// that key until it commits or rolls back, so transactions on the same key
// run one after another.
package memstore

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/store"
)

var (
	ErrClosed     = errors.New("memstore: store is closed")
	ErrTxFinished = errors.New("memstore: transaction already finished")
)

const defaultBacklog = 256

type op struct {
	fn   func() error
	done chan error
}

// Store is an in-memory backend for tests and single-process deployments.
type Store struct {
	log       *slog.Logger
	ops       chan op
	quit      chan struct{}
	closeOnce sync.Once
	keys      *keyLocks

	// owned by the queue goroutine
	events    map[string]*event.StoredEvent
	byKey     map[string][]string
	snapshots map[string]store.SnapshotRecord
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithBacklog sets the mutation queue capacity.
func WithBacklog(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ops = make(chan op, n)
		}
	}
}

// New creates a Store and starts its mutation queue.
func New(opts ...Option) *Store {
	s := &Store{
		log:       slog.Default(),
		ops:       make(chan op, defaultBacklog),
		quit:      make(chan struct{}),
		keys:      newKeyLocks(),
		events:    map[string]*event.StoredEvent{},
		byKey:     map[string][]string{},
		snapshots: map[string]store.SnapshotRecord{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "memory"))
	go s.run()
	return s
}

func (s *Store) run() {
	for {
		select {
		case o := <-s.ops:
			o.done <- o.fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the queue goroutine and waits for it.
func (s *Store) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		// the op is queued and will still run
		return ctx.Err()
	}
}

// Close stops the mutation queue. Pending transactions are lost.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, func() error { return nil })
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return &tx{
		s:       s,
		pending: map[string]*event.StoredEvent{},
		snaps:   map[string]store.SnapshotRecord{},
		locked:  map[string]struct{}{},
	}, nil
}

func (s *Store) Event(ctx context.Context, eventID string) (*event.StoredEvent, error) {
	var out *event.StoredEvent
	err := s.do(ctx, func() error {
		rec, ok := s.events[eventID]
		if !ok {
			return fault.New(fault.KindNoEntity, "no event %q", eventID)
		}
		out = clone(rec)
		return nil
	})
	return out, err
}

func (s *Store) Snapshot(ctx context.Context, name, key string) (*store.SnapshotRecord, error) {
	var out store.SnapshotRecord
	err := s.do(ctx, func() error {
		rec, ok := s.snapshots[snapshotKey(name, key)]
		if !ok {
			return fault.New(fault.KindNoEntity, "no snapshot %s for key %q", name, key)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Len returns the number of committed events.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() error {
		n = len(s.events)
		return nil
	})
	return n, err
}

func snapshotKey(name, key string) string { return name + "\x00" + key }

func clone(rec *event.StoredEvent) *event.StoredEvent {
	cp := *rec
	cp.Values = maps.Clone(rec.Values)
	return &cp
}

var _ store.Backend = (*Store)(nil)
