package instance

import (
	"fmt"
	"log/slog"

	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/storage"
)

// GraphStore is the persistence surface completion propagation needs.
// *storage.Store satisfies it.
type GraphStore interface {
	GetInstance(id string) (storage.ModuleInstance, error)
	UpdateInstanceStatus(id, status string) error
	MoveLinkToHistory(instanceID, narrativeID string) error
	InstancesByLinkState(narrativeID, state string) ([]storage.ModuleInstance, error)
	HistoryInstanceIDs(narrativeID string) (map[string]bool, error)
	MarkJobsDueNow(instanceID string) error
}

// Graph tracks capability-instance status and dependency edges within a
// narrative and propagates completion into activation. Dependencies are
// flat id lists and satisfaction is "all present in history"; this is
// deliberately not a general DAG scheduler.
type Graph struct {
	store    GraphStore
	registry *Registry
	logger   *slog.Logger
}

// NewGraph creates a Graph over the given store and capability registry.
func NewGraph(store GraphStore, registry *Registry) *Graph {
	return &Graph{store: store, registry: registry, logger: slog.Default()}
}

// Propagate consumes the completion signals from post-execution hooks:
// each finished instance's status is recorded and its link to the
// narrative retired to history, then every still-linked blocked
// instance whose dependencies are all in history transitions to active.
// Returns the newly activated instance ids so the caller can dispatch
// follow-up execution. Activation is monotonic: re-running with the
// same history set never deactivates an instance.
func (g *Graph) Propagate(narrativeID string, results []hooks.CallbackResult) ([]string, error) {
	for _, res := range results {
		status := res.Status
		if status != storage.InstanceCompleted && status != storage.InstanceFailed {
			g.logger.Warn("callback carries unexpected status, recording as completed",
				"instance", res.InstanceID, "status", status)
			status = storage.InstanceCompleted
		}
		if err := g.store.UpdateInstanceStatus(res.InstanceID, status); err != nil {
			return nil, fmt.Errorf("recording status for instance %s: %w", res.InstanceID, err)
		}
		if err := g.store.MoveLinkToHistory(res.InstanceID, narrativeID); err != nil {
			return nil, fmt.Errorf("retiring link for instance %s: %w", res.InstanceID, err)
		}
	}

	history, err := g.store.HistoryInstanceIDs(narrativeID)
	if err != nil {
		return nil, fmt.Errorf("loading history set: %w", err)
	}
	linked, err := g.store.InstancesByLinkState(narrativeID, storage.LinkActive)
	if err != nil {
		return nil, fmt.Errorf("loading active instances: %w", err)
	}

	var activated []string
	for _, inst := range linked {
		if inst.Status != storage.InstanceBlocked {
			continue
		}
		if !g.satisfied(inst, history) {
			continue
		}
		if err := g.store.UpdateInstanceStatus(inst.ID, storage.InstanceActive); err != nil {
			return activated, fmt.Errorf("activating instance %s: %w", inst.ID, err)
		}
		if g.registry.Schedulable(inst.Class) {
			if err := g.store.MarkJobsDueNow(inst.ID); err != nil {
				g.logger.Warn("pulling job schedule forward failed", "instance", inst.ID, "error", err)
			}
		}
		activated = append(activated, inst.ID)
	}
	return activated, nil
}

// satisfied reports whether every dependency id is present in the
// history set. A dependency referencing an unknown instance is logged
// and treated as not satisfied, never silently satisfied.
func (g *Graph) satisfied(inst storage.ModuleInstance, history map[string]bool) bool {
	for _, dep := range inst.DependsOn {
		if history[dep] {
			continue
		}
		if _, err := g.store.GetInstance(dep); err != nil {
			g.logger.Warn("dependency references unknown instance",
				"instance", inst.ID, "dependency", dep)
		}
		return false
	}
	return true
}

// ValidateDependencies rejects dependency cycles among the given
// instances at creation time. An instance that depends on itself,
// directly or transitively, would otherwise never activate.
func ValidateDependencies(instances []storage.ModuleInstance) error {
	deps := make(map[string][]string, len(instances))
	for _, inst := range instances {
		deps[inst.ID] = inst.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through instance %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				// Outside this batch; existence is checked at propagation.
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, inst := range instances {
		if err := visit(inst.ID); err != nil {
			return err
		}
	}
	return nil
}
