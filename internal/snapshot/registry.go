package snapshot

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/predicate"
)

// Spec describes one configured snapshotter.
type Spec struct {
	Name  string
	Type  string
	Field string
	When  string
}

// Factory builds a snapshotter from its spec.
type Factory func(spec Spec, when *predicate.Predicate) (Snapshotter, error)

// Registry maps snapshotter type strings to factories.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the built-in "count" and "sum" types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("count", func(spec Spec, when *predicate.Predicate) (Snapshotter, error) {
		return NewCounter(spec.Name, when), nil
	})
	r.Register("sum", func(spec Spec, when *predicate.Predicate) (Snapshotter, error) {
		if spec.Field == "" {
			return nil, fmt.Errorf("sum snapshotter %q: field is required", spec.Name)
		}
		return NewSummer(spec.Name, spec.Field, when), nil
	})
	return r
}

// Register adds a factory. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		panic(fmt.Sprintf("snapshot registry: duplicate type %q", typ))
	}
	r.factories[typ] = f
}

// Build compiles spec.When and constructs the snapshotter.
func (r *Registry) Build(spec Spec) (Snapshotter, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no snapshotter registered for type %q", spec.Type)
	}

	var when *predicate.Predicate
	if spec.When != "" {
		p, err := predicate.Compile(spec.When)
		if err != nil {
			return nil, fmt.Errorf("snapshotter %q: %w", spec.Name, err)
		}
		when = p
	}
	return f(spec, when)
}

// Types returns all registered type strings, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
