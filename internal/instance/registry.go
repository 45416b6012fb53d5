package instance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kalambet/loom/internal/hooks"
)

// Registry maps capability class names to their implementations.
// Registration is the single place conformance is established; the
// coordinator never probes modules for hook methods at call time.
type Registry struct {
	mu          sync.RWMutex
	caps        map[string]hooks.Capability
	schedulable map[string]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:        make(map[string]hooks.Capability),
		schedulable: make(map[string]bool),
	}
}

// Register adds a capability class. schedulable marks classes whose
// instances are driven by background jobs, so activation can pull their
// next run forward. Duplicate names are rejected.
func (r *Registry) Register(cap hooks.Capability, schedulable bool) error {
	name := cap.Name()
	if name == "" {
		return fmt.Errorf("capability has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.caps[name] = cap
	r.schedulable[name] = schedulable
	return nil
}

// Lookup returns the capability for a class name.
func (r *Registry) Lookup(name string) (hooks.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Schedulable reports whether instances of the class are job-driven.
func (r *Registry) Schedulable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schedulable[name]
}

// Names returns the registered class names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
