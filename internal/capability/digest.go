package capability

import (
	"context"
	"fmt"

	"github.com/kalambet/loom/internal/engine"
	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/storage"
)

// Digest is a post-execution capability: it condenses the finished
// exchange into a one-paragraph summary and reports completion so
// dependent instances can activate. Digest instances are schedulable;
// a deferred digest job runs the same hook through the job worker.
type Digest struct {
	hooks.NoOpCapability
	engine engine.Engine
	model  string
}

// NewDigest creates a Digest capability using the given judgment model.
func NewDigest(e engine.Engine, model string) *Digest {
	return &Digest{engine: e, model: model}
}

func (d *Digest) Name() string { return "digest" }

// AfterExecution summarizes the exchange. The summary rides on the
// completion signal's output; a notification tells the orchestrator the
// digest is ready to surface.
func (d *Digest) AfterExecution(ctx context.Context, p hooks.Params) (*hooks.CallbackResult, error) {
	prompt := "Summarize the following exchange in one concise paragraph, " +
		"keeping decisions and concrete follow-up items.\n\n" +
		"User: " + p.Input
	if p.Output != "" {
		prompt += "\nAgent: " + p.Output
	}

	summary, err := d.engine.Chat(ctx, d.model, []engine.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("summarizing exchange: %w", err)
	}

	return &hooks.CallbackResult{
		InstanceID:   p.InstanceID,
		Status:       storage.InstanceCompleted,
		Output:       summary,
		Notification: "digest ready",
	}, nil
}
