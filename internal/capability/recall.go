// Package capability holds the built-in capability classes the daemon
// registers at startup. External capabilities implement hooks.Capability
// the same way.
package capability

import (
	"context"
	"fmt"

	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/storage"
)

const recallEvents = 5

// RecallStore is the event history surface recall needs.
type RecallStore interface {
	EventsByNarrative(narrativeID string, limit int) ([]storage.Event, error)
}

// Recall is a data-gathering capability: it folds the narrative's recent
// exchanges into the context notes so execution sees the thread history.
type Recall struct {
	hooks.NoOpCapability
	store RecallStore
}

// NewRecall creates a Recall capability over the event store.
func NewRecall(store RecallStore) *Recall {
	return &Recall{store: store}
}

func (r *Recall) Name() string { return "recall" }

// GatherContext appends the most recent completed exchanges on the
// narrative to the context notes, oldest first.
func (r *Recall) GatherContext(ctx context.Context, ec *hooks.ExchangeContext) error {
	events, err := r.store.EventsByNarrative(ec.NarrativeID, recallEvents)
	if err != nil {
		return fmt.Errorf("loading recent events: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Output == "" {
			continue
		}
		ec.Notes = append(ec.Notes, fmt.Sprintf("user: %s\nagent: %s", clip(e.Input, 300), clip(e.Output, 300)))
	}
	return nil
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
