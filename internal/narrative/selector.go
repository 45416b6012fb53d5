package narrative

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/loom/internal/retrieval"
	"github.com/kalambet/loom/internal/storage"
)

// Selection method tags.
const (
	MethodHighConfidence = "high_confidence"
	MethodDisambiguated  = "disambiguated"
	MethodDefault        = "default"
	MethodParticipant    = "participant"
	MethodCreated        = "created"
	MethodContinuity     = "continuity"
)

// Retrieval source tags.
const (
	SourceVector  = "vector"
	SourceBlended = "blended"
)

// Store is the narrative persistence surface the selector needs.
// *storage.Store satisfies it.
type Store interface {
	GetNarrative(id string) (storage.Narrative, error)
	SaveNarrative(n storage.Narrative) error
	DefaultNarratives(agentID, userID string) ([]storage.Narrative, error)
	ParticipantNarratives(agentID, userID string) ([]storage.Narrative, error)
	EnsureDefaultNarratives(agentID, userID string) error
	RecentEventEmbeddings(narrativeID string, n int) ([][]float32, error)
}

// Embedder turns text into a routing vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Judge performs unified disambiguation across candidate pools.
type Judge interface {
	Disambiguate(ctx context.Context, query string, hits, defaults, participants []storage.Narrative) (Judgment, error)
}

// Options tune the tiered selection algorithm.
type Options struct {
	TopK          int     // desired result count; search fetches 2×TopK
	HighThreshold float32 // best score at or above this skips the LLM
	BlendWeight   float64 // thread-vector weight in the blended re-score
	RecentEvents  int     // events whose embeddings feed the blend
	SkipBlend     bool    // set when scores already combine signals
}

// DefaultOptions returns the tuning the daemon ships with.
func DefaultOptions() Options {
	return Options{
		TopK:          3,
		HighThreshold: 0.70,
		BlendWeight:   0.5,
		RecentEvents:  5,
	}
}

// Selection is the routing outcome: the chosen narratives plus how the
// choice was made.
type Selection struct {
	Narratives  []storage.Narrative
	QueryVector []float32
	Method      string
	Reason      string
	Retrieval   string
}

// candidate is a narrative with its similarity standing during
// selection. Unscored candidates (participant threads without a routing
// vector) carry no similarity estimate at all; they are never assigned
// a sentinel score.
type candidate struct {
	narrative storage.Narrative
	score     float32
	scored    bool
}

// Selector routes a query to existing narratives or creates a new one.
type Selector struct {
	store    Store
	vectors  retrieval.VectorStore
	embedder Embedder
	judge    Judge
	opts     Options
	logger   *slog.Logger
}

// NewSelector wires a Selector. Zero option fields fall back to defaults.
func NewSelector(store Store, vectors retrieval.VectorStore, embedder Embedder, judge Judge, opts Options) *Selector {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = def.HighThreshold
	}
	if opts.BlendWeight <= 0 {
		opts.BlendWeight = def.BlendWeight
	}
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = def.RecentEvents
	}
	return &Selector{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		judge:    judge,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// Select runs the tiered selection algorithm for a query within an
// owner scope. It always produces a usable selection: embedding or
// judgment failures degrade to narrative creation, never to an error
// surfaced to the requester.
func (s *Selector) Select(ctx context.Context, scope retrieval.Scope, query string) (Selection, error) {
	if err := s.store.EnsureDefaultNarratives(scope.AgentID, scope.UserID); err != nil {
		return Selection{}, fmt.Errorf("ensuring default narratives: %w", err)
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, falling back to disambiguation pools", "error", err)
		queryVec = nil
	}

	retrievalTag := SourceVector
	var candidates []candidate
	if queryVec != nil {
		hits, err := s.vectors.Search(ctx, scope, queryVec, 2*s.opts.TopK, 0)
		if err != nil {
			return Selection{}, fmt.Errorf("vector search: %w", err)
		}
		for _, h := range hits {
			n, err := s.store.GetNarrative(h.ID)
			if err != nil {
				s.logger.Warn("search hit references unknown narrative", "id", h.ID, "error", err)
				continue
			}
			candidates = append(candidates, candidate{narrative: n, score: h.Score, scored: true})
		}
	}

	// Merge threads the requester participates in: these are owned by
	// someone else and invisible to the scoped search above. Score them
	// against the query when their routing vector allows; otherwise they
	// stay explicitly unscored.
	participants, err := s.store.ParticipantNarratives(scope.AgentID, scope.UserID)
	if err != nil {
		return Selection{}, fmt.Errorf("loading participant narratives: %w", err)
	}
	for _, p := range participants {
		c := candidate{narrative: p}
		if queryVec != nil && p.RoutingVector != nil {
			c.score = retrieval.Cosine(queryVec, p.RoutingVector)
			c.scored = true
		}
		candidates = append(candidates, c)
	}

	sortCandidates(candidates)

	if !s.opts.SkipBlend && queryVec != nil {
		if s.rescoreBlended(queryVec, candidates) {
			retrievalTag = SourceBlended
			sortCandidates(candidates)
		}
	}

	// High tier: a confident vector match with no participant threads in
	// play returns directly, no LLM round trip.
	if len(participants) == 0 && len(candidates) > 0 &&
		candidates[0].scored && candidates[0].score >= s.opts.HighThreshold {
		top := topNarratives(candidates, s.opts.TopK)
		return Selection{
			Narratives:  top,
			QueryVector: queryVec,
			Method:      MethodHighConfidence,
			Reason:      fmt.Sprintf("best similarity %.2f at or above threshold %.2f", candidates[0].score, s.opts.HighThreshold),
			Retrieval:   retrievalTag,
		}, nil
	}

	return s.disambiguate(ctx, scope, query, queryVec, candidates, participants, retrievalTag)
}

// rescoreBlended mixes each scored candidate's thread-level score with
// the cosine of the query against the mean embedding of the thread's
// most recent events. Favors returning to a recent sub-topic over the
// coarse thread vector. Reports whether any candidate was re-scored.
func (s *Selector) rescoreBlended(queryVec []float32, candidates []candidate) bool {
	changed := false
	for i := range candidates {
		if !candidates[i].scored {
			continue
		}
		recent, err := s.store.RecentEventEmbeddings(candidates[i].narrative.ID, s.opts.RecentEvents)
		if err != nil {
			s.logger.Warn("loading recent event embeddings failed", "narrative", candidates[i].narrative.ID, "error", err)
			continue
		}
		mean := retrieval.Mean(recent)
		if mean == nil {
			continue
		}
		recentScore := retrieval.Cosine(queryVec, mean)
		w := float32(s.opts.BlendWeight)
		candidates[i].score = w*candidates[i].score + (1-w)*recentScore
		changed = true
	}
	return changed
}

// disambiguate runs the unified LLM judgment over the three candidate
// pools. A judgment failure is treated as "none" so routing still
// produces a thread.
func (s *Selector) disambiguate(ctx context.Context, scope retrieval.Scope, query string, queryVec []float32, candidates []candidate, participants []storage.Narrative, retrievalTag string) (Selection, error) {
	defaults, err := s.store.DefaultNarratives(scope.AgentID, scope.UserID)
	if err != nil {
		return Selection{}, fmt.Errorf("loading default narratives: %w", err)
	}

	// Participant threads already form their own pool; keep the search
	// pool to scoped hits only so no thread appears twice in the prompt.
	inParticipants := make(map[string]bool, len(participants))
	for _, p := range participants {
		inParticipants[p.ID] = true
	}
	searchOnly := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if !inParticipants[c.narrative.ID] {
			searchOnly = append(searchOnly, c)
		}
	}
	hits := topNarratives(searchOnly, s.opts.TopK)

	judgment, err := s.judge.Disambiguate(ctx, query, hits, defaults, participants)
	if err != nil {
		s.logger.Warn("disambiguation failed, treating as no match", "error", err)
		judgment = Judgment{Pool: PoolNone, Reason: "judgment unavailable"}
	}

	switch judgment.Pool {
	case PoolSearch:
		if judgment.Index < 0 || judgment.Index >= len(hits) {
			s.logger.Warn("judgment index out of range for search pool", "index", judgment.Index)
			break
		}
		// The matched thread leads; the other top hits ride along so the
		// caller can still show near matches.
		ordered := append([]storage.Narrative{hits[judgment.Index]},
			append(append([]storage.Narrative{}, hits[:judgment.Index]...), hits[judgment.Index+1:]...)...)
		return Selection{
			Narratives:  ordered,
			QueryVector: queryVec,
			Method:      MethodDisambiguated,
			Reason:      judgment.Reason,
			Retrieval:   retrievalTag,
		}, nil
	case PoolDefault:
		if judgment.Index < 0 || judgment.Index >= len(defaults) {
			s.logger.Warn("judgment index out of range for default pool", "index", judgment.Index)
			break
		}
		return Selection{
			Narratives:  []storage.Narrative{defaults[judgment.Index]},
			QueryVector: queryVec,
			Method:      MethodDefault,
			Reason:      judgment.Reason,
			Retrieval:   retrievalTag,
		}, nil
	case PoolParticipant:
		if judgment.Index < 0 || judgment.Index >= len(participants) {
			s.logger.Warn("judgment index out of range for participant pool", "index", judgment.Index)
			break
		}
		return Selection{
			Narratives:  []storage.Narrative{participants[judgment.Index]},
			QueryVector: queryVec,
			Method:      MethodParticipant,
			Reason:      judgment.Reason,
			Retrieval:   retrievalTag,
		}, nil
	}

	return s.create(ctx, scope, query, queryVec, retrievalTag)
}

// create makes a new narrative for an unmatched query. Proceeds with a
// nil routing vector when no query vector is available; the thread is
// then discoverable only through the default and participant pools
// until a later refresh populates its vector.
func (s *Selector) create(ctx context.Context, scope retrieval.Scope, query string, queryVec []float32, retrievalTag string) (Selection, error) {
	n := storage.Narrative{
		ID:            uuid.New().String(),
		AgentID:       scope.AgentID,
		OwnerUserID:   scope.UserID,
		Title:         TopicHint(query),
		Hint:          TopicHint(query),
		Keywords:      ExtractKeywords(query, 8),
		RoutingVector: queryVec,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveNarrative(n); err != nil {
		return Selection{}, fmt.Errorf("creating narrative: %w", err)
	}
	if queryVec != nil {
		if err := s.vectors.Add(ctx, scope, n.ID, queryVec); err != nil {
			s.logger.Warn("caching routing vector for new narrative failed", "narrative", n.ID, "error", err)
		}
	}
	return Selection{
		Narratives:  []storage.Narrative{n},
		QueryVector: queryVec,
		Method:      MethodCreated,
		Reason:      "no existing narrative matched the query",
		Retrieval:   retrievalTag,
	}, nil
}

// sortCandidates orders scored candidates by score descending; unscored
// candidates keep their relative order after all scored ones.
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].scored != candidates[j].scored {
			return candidates[i].scored
		}
		return candidates[i].score > candidates[j].score
	})
}

func topNarratives(candidates []candidate, k int) []storage.Narrative {
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]storage.Narrative, 0, k)
	for _, c := range candidates[:k] {
		out = append(out, c.narrative)
	}
	return out
}
