package parser

import (
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
)

// Parser turns a message into an Event.
type Parser interface {
	// ID identifies the parser in logs and config.
	ID() string
	// Matches reports whether the parser accepts messages on topic.
	Matches(topic string) bool
	// Parse decodes msg. It must not have side effects.
	Parse(msg event.Message) (event.Event, error)
}

// Registry holds parsers in registration order.
// Register is only meant for startup; Select is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	ids     map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

// Register appends p. Panics on duplicate ID to surface misconfiguration early.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ids[p.ID()]; exists {
		panic(fmt.Sprintf("parser registry: duplicate id %q", p.ID()))
	}
	r.ids[p.ID()] = struct{}{}
	r.parsers = append(r.parsers, p)
}

// Select returns the first registered parser matching msg.Topic.
func (r *Registry) Select(msg event.Message) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.Matches(msg.Topic) {
			return p, nil
		}
	}
	return nil, fault.New(fault.KindNoMatchingParser, "no matching message parsers found for topic %q", msg.Topic)
}

// IDs returns parser IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		out = append(out, p.ID())
	}
	return out
}

// Len returns the number of registered parsers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parsers)
}
