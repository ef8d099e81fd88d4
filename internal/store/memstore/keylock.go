package memstore

import (
	"context"
	"sync"
)

// keyLocks hands out one holder per aggregation key at a time. Waiters for
// different keys do not block each other.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: map[string]chan struct{}{}}
}

// acquire blocks until key is free or ctx is done.
func (l *keyLocks) acquire(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *keyLocks) release(key string) {
	l.mu.Lock()
	if ch, ok := l.held[key]; ok {
		delete(l.held, key)
		close(ch)
	}
	l.mu.Unlock()
}
