package narrative

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/loom/internal/retrieval"
)

// RefreshStore is the persistence surface the refresh policy needs.
type RefreshStore interface {
	IncrementEventCounter(id string) (int, error)
	RecentEventEmbeddings(narrativeID string, n int) ([][]float32, error)
	UpdateRoutingVector(id string, vector []float32) error
}

// RefreshPolicy decides when a narrative's routing vector must be
// regenerated. The policy is event-count driven: after threshold events
// accumulate since the last refresh, the vector is recomputed from the
// mean of recent event embeddings.
type RefreshPolicy struct {
	store     RefreshStore
	vectors   retrieval.VectorStore
	threshold int
	recentN   int
	logger    *slog.Logger
}

// NewRefreshPolicy creates a policy. threshold <= 0 defaults to 10
// events; recentN <= 0 defaults to 10 embeddings per refresh.
func NewRefreshPolicy(store RefreshStore, vectors retrieval.VectorStore, threshold, recentN int) *RefreshPolicy {
	if threshold <= 0 {
		threshold = 10
	}
	if recentN <= 0 {
		recentN = 10
	}
	return &RefreshPolicy{
		store:     store,
		vectors:   vectors,
		threshold: threshold,
		recentN:   recentN,
		logger:    slog.Default(),
	}
}

// NoteEvent records that an event was attached to the narrative and
// refreshes the routing vector when the counter reaches the threshold.
// A refresh failure is logged, not propagated: the counter keeps
// growing, so the next event retries.
func (p *RefreshPolicy) NoteEvent(ctx context.Context, scope retrieval.Scope, narrativeID string) error {
	count, err := p.store.IncrementEventCounter(narrativeID)
	if err != nil {
		return fmt.Errorf("incrementing event counter for %s: %w", narrativeID, err)
	}
	if count < p.threshold {
		return nil
	}
	if err := p.Refresh(ctx, scope, narrativeID); err != nil {
		p.logger.Warn("routing vector refresh failed", "narrative", narrativeID, "error", err)
	}
	return nil
}

// Refresh recomputes the narrative's routing vector from the mean of
// its recent event embeddings and resets the counter. Skipped when no
// event embeddings exist yet.
func (p *RefreshPolicy) Refresh(ctx context.Context, scope retrieval.Scope, narrativeID string) error {
	recent, err := p.store.RecentEventEmbeddings(narrativeID, p.recentN)
	if err != nil {
		return fmt.Errorf("loading recent embeddings for %s: %w", narrativeID, err)
	}
	mean := retrieval.Mean(recent)
	if mean == nil {
		return nil
	}
	if err := p.store.UpdateRoutingVector(narrativeID, mean); err != nil {
		return fmt.Errorf("storing refreshed vector for %s: %w", narrativeID, err)
	}
	if err := p.vectors.Update(ctx, scope, narrativeID, mean); err != nil {
		return fmt.Errorf("caching refreshed vector for %s: %w", narrativeID, err)
	}
	return nil
}
