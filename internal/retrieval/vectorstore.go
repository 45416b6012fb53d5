package retrieval

import "context"

// Scope identifies one owner's slice of the routing-vector space:
// an agent plus an optional requester. Search never crosses scopes;
// threads the requester merely participates in are merged by the
// narrative selector, not by the store.
type Scope struct {
	AgentID string
	UserID  string
}

// Hit is one similarity search result.
type Hit struct {
	ID    string
	Score float32
}

// VectorStore answers top-K cosine similarity queries over routing
// vectors cached per scope. Implementations hydrate lazily from
// persistent storage on first query for an unseen scope; Add, Update,
// and Delete mutate the cache only; persistence stays with the caller.
type VectorStore interface {
	// Search returns up to topK hits with score >= minScore, best first.
	// Candidates without a vector are skipped, never scored as zero.
	Search(ctx context.Context, scope Scope, vector []float32, topK int, minScore float32) ([]Hit, error)

	// Add caches a routing vector for an id within a scope.
	Add(ctx context.Context, scope Scope, id string, vector []float32) error

	// Update replaces a cached routing vector.
	Update(ctx context.Context, scope Scope, id string, vector []float32) error

	// Delete removes an id from the scope's cache.
	Delete(ctx context.Context, scope Scope, id string) error
}
