package instance

import (
	"log/slog"

	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/storage"
)

// Loaded pairs a persisted instance with its capability implementation,
// resolved through the registry at load time.
type Loaded struct {
	Instance   storage.ModuleInstance
	Capability hooks.Capability
}

// Loader resolves the instances participating in a narrative's exchange.
type Loader struct {
	store    GraphStore
	registry *Registry
	logger   *slog.Logger
}

// NewLoader creates a Loader over the given store and registry.
func NewLoader(store GraphStore, registry *Registry) *Loader {
	return &Loader{store: store, registry: registry, logger: slog.Default()}
}

// Load returns the narrative's actively linked, active-status instances
// with their capabilities resolved. Blocked instances stay linked but do
// not participate in hooks until propagation activates them. An instance
// whose class has no registered capability is logged and skipped rather
// than failing the exchange.
func (l *Loader) Load(narrativeID string) ([]Loaded, error) {
	linked, err := l.store.InstancesByLinkState(narrativeID, storage.LinkActive)
	if err != nil {
		return nil, err
	}

	var loaded []Loaded
	for _, inst := range linked {
		if inst.Status != storage.InstanceActive {
			continue
		}
		cap, ok := l.registry.Lookup(inst.Class)
		if !ok {
			l.logger.Warn("instance references unregistered capability class",
				"instance", inst.ID, "class", inst.Class)
			continue
		}
		loaded = append(loaded, Loaded{Instance: inst, Capability: cap})
	}
	return loaded, nil
}

// Capabilities extracts the capability list in load order, the shape
// data-gathering coordination consumes.
func Capabilities(loaded []Loaded) []hooks.Capability {
	caps := make([]hooks.Capability, len(loaded))
	for i, l := range loaded {
		caps[i] = l.Capability
	}
	return caps
}

// BoundCapabilities pairs each capability with its instance id, the
// shape post-execution coordination consumes.
func BoundCapabilities(loaded []Loaded) []hooks.Bound {
	bound := make([]hooks.Bound, len(loaded))
	for i, l := range loaded {
		bound[i] = hooks.Bound{InstanceID: l.Instance.ID, Capability: l.Capability}
	}
	return bound
}
