package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/loom/internal/jobs"
	"github.com/kalambet/loom/internal/pipeline"
	"github.com/kalambet/loom/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// QueryStore is the read/enqueue surface the HTTP layer needs.
type QueryStore interface {
	NarrativesByScope(agentID, userID string) ([]storage.Narrative, error)
	GetNarrative(id string) (storage.Narrative, error)
	EventsByNarrative(narrativeID string, limit int) ([]storage.Event, error)
	ListJobs(limit int) ([]storage.Job, error)
	EnqueueJob(job storage.Job) error
}

// AppDeps holds the HTTP handler's dependencies.
type AppDeps struct {
	Router *pipeline.Router
	Store  QueryStore
	Token  string
}

// NewAppHandler returns the daemon's HTTP surface. Health is open; the
// routing and management routes sit behind bearer auth when a token is
// configured.
func NewAppHandler(deps AppDeps) http.Handler {
	pending := &pendingExchanges{results: make(map[string]pipeline.Result)}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/route", handleRoute(deps, pending))
		r.Post("/events/{id}/complete", handleComplete(deps, pending))
		r.Get("/narratives", handleListNarratives(deps))
		r.Get("/narratives/{id}/events", handleNarrativeEvents(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs", handleEnqueueJob(deps))
	})

	return r
}

// pendingExchanges holds routed-but-unfinished exchanges so completion
// can pick up the full pipeline state by event id. Process-local, like
// the vector cache.
type pendingExchanges struct {
	mu      sync.Mutex
	results map[string]pipeline.Result
}

func (p *pendingExchanges) put(res pipeline.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[res.EventID] = res
}

func (p *pendingExchanges) take(eventID string) (pipeline.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.results[eventID]
	if ok {
		delete(p.results, eventID)
	}
	return res, ok
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type routeRequest struct {
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`
	Query   string `json:"query"`
	Origin  string `json:"origin"`
}

type narrativeSummary struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Hint     string   `json:"hint,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Special  bool     `json:"special,omitempty"`
}

type routeResponse struct {
	EventID       string             `json:"event_id"`
	Narratives    []narrativeSummary `json:"narratives"`
	Method        string             `json:"method"`
	Reason        string             `json:"reason"`
	Retrieval     string             `json:"retrieval,omitempty"`
	ExecutionPath string             `json:"execution_path"`
	InstanceIDs   []string           `json:"instance_ids,omitempty"`
	Context       *exchangeContext   `json:"context,omitempty"`
}

type exchangeContext struct {
	Summary string            `json:"summary,omitempty"`
	Notes   []string          `json:"notes,omitempty"`
	Facts   map[string]string `json:"facts,omitempty"`
}

func handleRoute(deps AppDeps, pending *pendingExchanges) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req routeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.AgentID == "" || req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "agent_id and query are required")
			return
		}
		if req.Origin == "" {
			req.Origin = "api"
		}

		res, err := deps.Router.Route(r.Context(), pipeline.Request{
			AgentID: req.AgentID,
			UserID:  req.UserID,
			Query:   req.Query,
			Origin:  req.Origin,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "routing failed: %v", err)
			return
		}
		pending.put(res)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(routeResult(res))
	}
}

func routeResult(res pipeline.Result) routeResponse {
	out := routeResponse{
		EventID:       res.EventID,
		Method:        res.Selection.Method,
		Reason:        res.Selection.Reason,
		Retrieval:     res.Selection.Retrieval,
		ExecutionPath: res.ExecutionPath,
	}
	for _, n := range res.Selection.Narratives {
		out.Narratives = append(out.Narratives, narrativeSummary{
			ID:       n.ID,
			Title:    n.Title,
			Hint:     n.Hint,
			Keywords: n.Keywords,
			Special:  n.Special,
		})
	}
	for _, l := range res.Instances {
		out.InstanceIDs = append(out.InstanceIDs, l.Instance.ID)
	}
	if ec := res.Context; ec != nil && (ec.Summary != "" || len(ec.Notes) > 0 || len(ec.Facts) > 0) {
		out.Context = &exchangeContext{Summary: ec.Summary, Notes: ec.Notes, Facts: ec.Facts}
	}
	return out
}

type completeRequest struct {
	Output string `json:"output"`
}

type completeResponse struct {
	Callbacks []callbackSummary `json:"callbacks,omitempty"`
	Activated []string          `json:"activated,omitempty"`
}

type callbackSummary struct {
	InstanceID   string `json:"instance_id"`
	Status       string `json:"status"`
	Notification string `json:"notification,omitempty"`
}

func handleComplete(deps AppDeps, pending *pendingExchanges) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// Decode before consuming the pending exchange: a malformed body
		// must leave the exchange completable on retry.
		var req completeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		eventID := chi.URLParam(r, "id")
		res, ok := pending.take(eventID)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no pending exchange for event %s", eventID)
			return
		}

		outcome, err := deps.Router.Complete(r.Context(), pipeline.Completion{Result: res, Output: req.Output})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "completing exchange: %v", err)
			return
		}

		out := completeResponse{Activated: outcome.Activated}
		for _, cb := range outcome.Callbacks {
			out.Callbacks = append(out.Callbacks, callbackSummary{
				InstanceID:   cb.InstanceID,
				Status:       cb.Status,
				Notification: cb.Notification,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleListNarratives(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		if agentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "agent_id is required")
			return
		}
		userID := r.URL.Query().Get("user_id")

		narratives, err := deps.Store.NarrativesByScope(agentID, userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing narratives: %v", err)
			return
		}
		if narratives == nil {
			narratives = []storage.Narrative{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(narratives)
	}
}

func handleNarrativeEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetNarrative(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "narrative not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading narrative: %v", err)
			return
		}

		limit := parseIntParam(r, "limit", 50, 200)
		events, err := deps.Store.EventsByNarrative(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing events: %v", err)
			return
		}
		if events == nil {
			events = []storage.Event{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)
		list, err := deps.Store.ListJobs(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing jobs: %v", err)
			return
		}
		if list == nil {
			list = []storage.Job{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	}
}

type enqueueJobRequest struct {
	Type       string          `json:"type"`
	Trigger    string          `json:"trigger"`
	Payload    json.RawMessage `json:"payload"`
	InstanceID string          `json:"instance_id"`
	NextRunAt  time.Time       `json:"next_run_at"`
}

func handleEnqueueJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req enqueueJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		switch req.Type {
		case storage.JobOnce, storage.JobScheduled, storage.JobOngoing:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type must be once, scheduled, or ongoing")
			return
		}
		if req.Type != storage.JobOnce && req.Trigger == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "recurring jobs require a trigger")
			return
		}
		if err := jobs.ValidateTrigger(req.Trigger); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        req.Type,
			Trigger:     req.Trigger,
			PayloadJSON: string(req.Payload),
			InstanceID:  req.InstanceID,
			NextRunAt:   req.NextRunAt,
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueuing job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": job.ID, "status": "queued"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
