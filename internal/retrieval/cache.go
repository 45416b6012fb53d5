package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/loom/internal/storage"
)

// NarrativeSource supplies the persisted narratives for one scope.
// *storage.Store satisfies it.
type NarrativeSource interface {
	NarrativesByScope(agentID, userID string) ([]storage.Narrative, error)
}

// Compile-time check that Cache implements VectorStore.
var _ VectorStore = (*Cache)(nil)

// Cache is the process-local VectorStore implementation: an in-memory
// map of routing vectors per scope, hydrated lazily from the narrative
// store on the first query for that scope. It is not safe to share
// across processes; each process hydrates its own cache.
type Cache struct {
	source NarrativeSource

	mu       sync.RWMutex
	vectors  map[Scope]map[string][]float32
	hydrated map[Scope]bool
}

// NewCache creates an empty Cache backed by the given narrative source.
func NewCache(source NarrativeSource) *Cache {
	return &Cache{
		source:   source,
		vectors:  make(map[Scope]map[string][]float32),
		hydrated: make(map[Scope]bool),
	}
}

// hydrate loads a scope's routing vectors from the source. Idempotent:
// repeated calls for a hydrated scope are no-ops. Narratives without a
// routing vector are skipped, they stay discoverable only through the
// default and participant pools until a refresh populates the vector.
func (c *Cache) hydrate(scope Scope) error {
	c.mu.RLock()
	done := c.hydrated[scope]
	c.mu.RUnlock()
	if done {
		return nil
	}

	narratives, err := c.source.NarrativesByScope(scope.AgentID, scope.UserID)
	if err != nil {
		return fmt.Errorf("hydrating scope %s/%s: %w", scope.AgentID, scope.UserID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hydrated[scope] {
		return nil
	}
	m := make(map[string][]float32, len(narratives))
	for _, n := range narratives {
		if n.RoutingVector == nil {
			continue
		}
		m[n.ID] = n.RoutingVector
	}
	c.vectors[scope] = m
	c.hydrated[scope] = true
	return nil
}

// Search performs brute-force cosine similarity over the scope's cached
// vectors, returning the top-K hits with score >= minScore.
func (c *Cache) Search(ctx context.Context, scope Scope, vector []float32, topK int, minScore float32) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.hydrate(scope); err != nil {
		return nil, err
	}

	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	h := &hitHeap{}
	heap.Init(h)
	for id, vec := range c.vectors[scope] {
		score := cosineWithNorm(vector, vec, queryNorm)
		if score < minScore {
			continue
		}
		if h.Len() < topK {
			heap.Push(h, Hit{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Hit{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}

	results := make([]Hit, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Hit)
	}
	return results, nil
}

// Add caches a routing vector. nil vectors are ignored rather than
// cached as zero.
func (c *Cache) Add(ctx context.Context, scope Scope, id string, vector []float32) error {
	if vector == nil {
		return nil
	}
	if err := c.hydrate(scope); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors[scope][id] = vector
	return nil
}

// Update replaces a cached routing vector. Same semantics as Add.
func (c *Cache) Update(ctx context.Context, scope Scope, id string, vector []float32) error {
	return c.Add(ctx, scope, id, vector)
}

// Delete removes an id from the scope's cache. Unknown ids are a no-op.
func (c *Cache) Delete(ctx context.Context, scope Scope, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.vectors[scope]; ok {
		delete(m, id)
	}
	return nil
}

// hitHeap is a min-heap of Hit ordered by Score. Used to track top-K
// candidates during the scan.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
