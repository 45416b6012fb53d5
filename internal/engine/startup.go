package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the Engine is reachable and the required
// judgment and embedding models are available locally. Readiness output
// is written to w.
func EnsureReady(ctx context.Context, e Engine, judgeModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure the backend is started")
	}

	models := make([]string, 0, 2)
	if judgeModel != "" {
		models = append(models, judgeModel)
	}
	if embedModel != "" && embedModel != judgeModel {
		models = append(models, embedModel)
	}

	for _, model := range models {
		if !e.HasModel(ctx, model) {
			return fmt.Errorf("model %s is not available locally; pull it first", model)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	return nil
}
