package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/instance"
	"github.com/kalambet/loom/internal/narrative"
	"github.com/kalambet/loom/internal/retrieval"
	"github.com/kalambet/loom/internal/session"
	"github.com/kalambet/loom/internal/storage"
)

// Execution path tags on the instance-load result.
const (
	PathInteractive = "interactive"
	PathBackground  = "background"
)

// EventStore is the event persistence surface the router needs.
type EventStore interface {
	SaveEvent(e storage.Event) error
	GetNarrative(id string) (storage.Narrative, error)
	CompleteEvent(id, output string, embedding []float32) error
	DuplicateEvent(id, narrativeID string) (string, error)
}

// Router drives one request through the full routing pipeline: session
// resolution, continuity detection, narrative selection, instance
// loading, and the data-gathering hooks. Execution itself is external;
// Complete picks up afterwards with post-execution hooks, dependency
// propagation, and session bookkeeping.
type Router struct {
	store       EventStore
	sessions    *session.Registry
	continuity  *narrative.ContinuityDetector
	selector    *narrative.Selector
	loader      *instance.Loader
	registry    *instance.Registry
	coordinator *hooks.Coordinator
	graph       *instance.Graph
	refresh     *narrative.RefreshPolicy
	embedder    narrative.Embedder
	logger      *slog.Logger
}

// RouterDeps collects the router's collaborators.
type RouterDeps struct {
	Store       EventStore
	Sessions    *session.Registry
	Continuity  *narrative.ContinuityDetector
	Selector    *narrative.Selector
	Loader      *instance.Loader
	Registry    *instance.Registry
	Coordinator *hooks.Coordinator
	Graph       *instance.Graph
	Refresh     *narrative.RefreshPolicy
	Embedder    narrative.Embedder
}

// NewRouter wires a Router from its collaborators.
func NewRouter(deps RouterDeps) *Router {
	return &Router{
		store:       deps.Store,
		sessions:    deps.Sessions,
		continuity:  deps.Continuity,
		selector:    deps.Selector,
		loader:      deps.Loader,
		registry:    deps.Registry,
		coordinator: deps.Coordinator,
		graph:       deps.Graph,
		refresh:     deps.Refresh,
		embedder:    deps.Embedder,
		logger:      slog.Default(),
	}
}

// Request is one incoming conversational request.
type Request struct {
	AgentID string
	UserID  string
	Query   string
	Origin  string
}

// Result is everything the orchestrator needs to run the exchange:
// where the query routed, which instances are live, and the enriched
// context for execution.
type Result struct {
	Selection     narrative.Selection
	Session       *session.Session
	EventID       string
	Instances     []instance.Loaded
	ExecutionPath string
	Context       *hooks.ExchangeContext
}

// Route resolves the request to a narrative and prepares execution.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	sess, err := r.sessions.GetOrCreate(req.AgentID, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("resolving session: %w", err)
	}

	selection, ok := r.tryContinuity(ctx, sess, req.Query)
	if !ok {
		scope := retrieval.Scope{AgentID: req.AgentID, UserID: req.UserID}
		selection, err = r.selector.Select(ctx, scope, req.Query)
		if err != nil {
			return Result{}, fmt.Errorf("selecting narrative: %w", err)
		}
	}
	primary := selection.Narratives[0]

	event := storage.Event{
		ID:          uuid.New().String(),
		NarrativeID: primary.ID,
		Origin:      req.Origin,
		Input:       req.Query,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.SaveEvent(event); err != nil {
		return Result{}, fmt.Errorf("recording event: %w", err)
	}

	loaded, err := r.loader.Load(primary.ID)
	if err != nil {
		return Result{}, fmt.Errorf("loading instances: %w", err)
	}

	ec := &hooks.ExchangeContext{
		Query:       req.Query,
		NarrativeID: primary.ID,
		AgentID:     req.AgentID,
		UserID:      req.UserID,
	}
	ec = r.coordinator.RunDataGathering(ctx, instance.Capabilities(loaded), ec)

	return Result{
		Selection:     selection,
		Session:       sess,
		EventID:       event.ID,
		Instances:     loaded,
		ExecutionPath: r.classify(loaded),
		Context:       ec,
	}, nil
}

// tryContinuity keeps the request on the session's current narrative
// when the classifier judges the new query topically continuous with
// the previous exchange. Any doubt forces re-routing.
func (r *Router) tryContinuity(ctx context.Context, sess *session.Session, query string) (narrative.Selection, bool) {
	if sess.NarrativeID == "" || sess.LastQuery == "" {
		return narrative.Selection{}, false
	}
	current, err := r.store.GetNarrative(sess.NarrativeID)
	if err != nil {
		r.logger.Warn("session narrative missing, re-routing", "narrative", sess.NarrativeID, "error", err)
		return narrative.Selection{}, false
	}

	elapsed := time.Since(sess.LastQueryAt)
	verdict := r.continuity.Detect(ctx, sess.LastQuery, sess.LastResponse, query, elapsed, current)
	if !verdict.IsContinuous {
		return narrative.Selection{}, false
	}
	return narrative.Selection{
		Narratives:  []storage.Narrative{current},
		QueryVector: sess.LastQueryVector,
		Method:      narrative.MethodContinuity,
		Reason:      verdict.Reason,
	}, true
}

// classify tags the instance-load result: background when any loaded
// instance belongs to a job-driven capability class.
func (r *Router) classify(loaded []instance.Loaded) string {
	for _, l := range loaded {
		if r.registry.Schedulable(l.Instance.Class) {
			return PathBackground
		}
	}
	return PathInteractive
}

// Completion carries the finished exchange back into the pipeline.
type Completion struct {
	Result Result
	Output string
}

// Outcome aggregates what completion produced: the post-execution
// callbacks and the instance ids activated by dependency propagation.
type Outcome struct {
	Callbacks []hooks.CallbackResult
	Activated []string
}

// Complete finishes the exchange: the event gets its output and
// embedding, the refresh policy is notified, post-execution hooks run
// concurrently, their completion signals feed dependency propagation,
// and the session records the exchange. Hook and embedding failures
// degrade; only persistence failures surface.
func (r *Router) Complete(ctx context.Context, c Completion) (Outcome, error) {
	res := c.Result
	primary := res.Selection.Narratives[0]

	var embedding []float32
	if emb, err := r.embedder.Embed(ctx, res.Context.Query+"\n"+c.Output); err != nil {
		r.logger.Warn("event embedding failed", "event", res.EventID, "error", err)
	} else {
		embedding = emb
	}
	if err := r.store.CompleteEvent(res.EventID, c.Output, embedding); err != nil {
		return Outcome{}, fmt.Errorf("completing event: %w", err)
	}

	scope := retrieval.Scope{AgentID: primary.AgentID, UserID: primary.OwnerUserID}
	if err := r.refresh.NoteEvent(ctx, scope, primary.ID); err != nil {
		r.logger.Warn("refresh bookkeeping failed", "narrative", primary.ID, "error", err)
	}

	callbacks := r.coordinator.RunPostExecution(ctx, instance.BoundCapabilities(res.Instances), hooks.Params{
		NarrativeID: primary.ID,
		EventID:     res.EventID,
		Input:       res.Context.Query,
		Output:      c.Output,
	})

	activated, err := r.graph.Propagate(primary.ID, callbacks)
	if err != nil {
		return Outcome{}, fmt.Errorf("propagating completion: %w", err)
	}

	if err := r.sessions.Touch(res.Session, res.Context.Query, res.Selection.QueryVector, primary.ID, c.Output); err != nil {
		r.logger.Warn("saving session failed", "agent", res.Session.AgentID, "user", res.Session.UserID, "error", err)
	}

	return Outcome{Callbacks: callbacks, Activated: activated}, nil
}

// ShareEvent duplicates a completed event onto a second narrative, the
// supported form of thread re-association.
func (r *Router) ShareEvent(eventID, narrativeID string) (string, error) {
	return r.store.DuplicateEvent(eventID, narrativeID)
}
