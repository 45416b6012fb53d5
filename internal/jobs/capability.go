package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/instance"
	"github.com/kalambet/loom/internal/storage"
)

// InstanceStore resolves a job's owning instance.
type InstanceStore interface {
	GetInstance(id string) (storage.ModuleInstance, error)
}

// CapabilityRunner runs a job by handing it to the capability class of
// its owning instance. A completion signal the capability emits feeds
// dependency propagation the same way post-execution hooks do.
type CapabilityRunner struct {
	store    InstanceStore
	registry *instance.Registry
	graph    *instance.Graph
	logger   *slog.Logger
}

// NewCapabilityRunner wires a CapabilityRunner.
func NewCapabilityRunner(store InstanceStore, registry *instance.Registry, graph *instance.Graph) *CapabilityRunner {
	return &CapabilityRunner{
		store:    store,
		registry: registry,
		graph:    graph,
		logger:   slog.Default(),
	}
}

// capabilityPayload is the shape of a capability job's payload_json.
type capabilityPayload struct {
	NarrativeID string `json:"narrative_id"`
	EventID     string `json:"event_id"`
	Input       string `json:"input"`
}

// Run executes one claimed job through its instance's capability.
func (r *CapabilityRunner) Run(ctx context.Context, job storage.Job) error {
	if job.InstanceID == "" {
		return fmt.Errorf("job %s has no owning instance", job.ID)
	}
	inst, err := r.store.GetInstance(job.InstanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", job.InstanceID, err)
	}
	cap, ok := r.registry.Lookup(inst.Class)
	if !ok {
		return fmt.Errorf("instance %s has unregistered class %q", inst.ID, inst.Class)
	}

	var payload capabilityPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload for job %s: %w", job.ID, err)
	}

	res, err := cap.AfterExecution(ctx, hooks.Params{
		NarrativeID: payload.NarrativeID,
		EventID:     payload.EventID,
		InstanceID:  inst.ID,
		Input:       payload.Input,
	})
	if err != nil {
		return fmt.Errorf("running capability %s: %w", inst.Class, err)
	}
	if res != nil && res.InstanceID == "" {
		res.InstanceID = inst.ID
	}

	if res != nil && payload.NarrativeID != "" {
		activated, err := r.graph.Propagate(payload.NarrativeID, []hooks.CallbackResult{*res})
		if err != nil {
			return fmt.Errorf("propagating completion: %w", err)
		}
		if len(activated) > 0 {
			r.logger.Info("background completion activated instances",
				"job_id", job.ID, "activated", activated)
		}
	}
	return nil
}
