package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/loom/internal/engine"
	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/instance"
	"github.com/kalambet/loom/internal/narrative"
	"github.com/kalambet/loom/internal/pipeline"
	"github.com/kalambet/loom/internal/retrieval"
	"github.com/kalambet/loom/internal/session"
	"github.com/kalambet/loom/internal/storage"
)

type stubEngine struct{}

func (stubEngine) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	return `{"is_continuous": false, "confidence": 1, "reason": "new topic"}`, nil
}

func (stubEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (stubEngine) IsRunning(ctx context.Context) bool { return true }

func (stubEngine) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (stubEngine) HasModel(ctx context.Context, name string) bool { return true }

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type noneJudge struct{}

func (noneJudge) Disambiguate(ctx context.Context, query string, hits, defaults, participants []storage.Narrative) (narrative.Judgment, error) {
	return narrative.Judgment{Pool: narrative.PoolNone, Reason: "nothing fits"}, nil
}

func newTestHandler(t *testing.T, token string) (http.Handler, *storage.Store) {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cache := retrieval.NewCache(store)
	selector := narrative.NewSelector(store, cache, stubEmbedder{}, noneJudge{}, narrative.Options{SkipBlend: true})
	continuity := narrative.NewContinuityDetector(stubEngine{}, "judge")
	refresh := narrative.NewRefreshPolicy(store, cache, 100, 10)

	registry := instance.NewRegistry()
	loader := instance.NewLoader(store, registry)
	graph := instance.NewGraph(store, registry)

	sessions, err := session.NewRegistry(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	router := pipeline.NewRouter(pipeline.RouterDeps{
		Store:       store,
		Sessions:    sessions,
		Continuity:  continuity,
		Selector:    selector,
		Loader:      loader,
		Registry:    registry,
		Coordinator: hooks.NewCoordinator(hooks.GatherSequential),
		Graph:       graph,
		Refresh:     refresh,
		Embedder:    stubEmbedder{},
	})

	return NewAppHandler(AppDeps{Router: router, Store: store, Token: token}), store
}

func postJSON(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func getPath(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthIsOpen(t *testing.T) {
	h, _ := newTestHandler(t, "secret")

	w := getPath(t, h, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	h, _ := newTestHandler(t, "secret")

	if w := getPath(t, h, "/narratives?agent_id=a", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", w.Code)
	}
	if w := getPath(t, h, "/narratives?agent_id=a", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: got %d, want 401", w.Code)
	}
	if w := getPath(t, h, "/narratives?agent_id=a", "secret"); w.Code != http.StatusOK {
		t.Errorf("valid token: got %d, want 200", w.Code)
	}
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	h, _ := newTestHandler(t, "")

	if w := getPath(t, h, "/narratives?agent_id=a", ""); w.Code != http.StatusOK {
		t.Errorf("auth should be disabled without a token, got %d", w.Code)
	}
}

func TestRouteAndCompleteRoundTrip(t *testing.T) {
	h, store := newTestHandler(t, "")

	w := postJSON(t, h, "/route", "", map[string]string{
		"agent_id": "agent", "user_id": "alice", "query": "plan the trip",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("route: %d %s", w.Code, w.Body.String())
	}
	var routed struct {
		EventID       string `json:"event_id"`
		Method        string `json:"method"`
		ExecutionPath string `json:"execution_path"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &routed); err != nil {
		t.Fatalf("decoding route response: %v", err)
	}
	if routed.EventID == "" || routed.Method != narrative.MethodCreated {
		t.Errorf("unexpected route response: %+v", routed)
	}
	if routed.ExecutionPath != pipeline.PathInteractive {
		t.Errorf("execution path = %s", routed.ExecutionPath)
	}

	w = postJSON(t, h, "/events/"+routed.EventID+"/complete", "", map[string]string{"output": "planned"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}

	ev, err := store.GetEvent(routed.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Output != "planned" {
		t.Errorf("event output = %q", ev.Output)
	}

	// A second completion for the same event has nothing pending.
	w = postJSON(t, h, "/events/"+routed.EventID+"/complete", "", map[string]string{"output": "again"})
	if w.Code != http.StatusNotFound {
		t.Errorf("double complete: got %d, want 404", w.Code)
	}
}

func TestCompleteMalformedBodyKeepsExchange(t *testing.T) {
	h, store := newTestHandler(t, "")

	w := postJSON(t, h, "/route", "", map[string]string{
		"agent_id": "agent", "user_id": "alice", "query": "plan the trip",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("route: %d %s", w.Code, w.Body.String())
	}
	var routed struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &routed); err != nil {
		t.Fatalf("decoding route response: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/events/"+routed.EventID+"/complete", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: got %d, want 400", rec.Code)
	}

	// The exchange must still be completable after the bad request.
	w = postJSON(t, h, "/events/"+routed.EventID+"/complete", "", map[string]string{"output": "planned"})
	if w.Code != http.StatusOK {
		t.Fatalf("retry after malformed body: %d %s", w.Code, w.Body.String())
	}
	ev, err := store.GetEvent(routed.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Output != "planned" {
		t.Errorf("event output = %q", ev.Output)
	}
}

func TestRouteValidation(t *testing.T) {
	h, _ := newTestHandler(t, "")

	w := postJSON(t, h, "/route", "", map[string]string{"agent_id": "agent"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing query: got %d, want 400", w.Code)
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", body.Error.Type)
	}
}

func TestListNarratives(t *testing.T) {
	h, _ := newTestHandler(t, "")

	if w := getPath(t, h, "/narratives", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing agent_id: got %d, want 400", w.Code)
	}

	postJSON(t, h, "/route", "", map[string]string{
		"agent_id": "agent", "user_id": "alice", "query": "plan the trip",
	})

	w := getPath(t, h, "/narratives?agent_id=agent&user_id=alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var narratives []storage.Narrative
	if err := json.Unmarshal(w.Body.Bytes(), &narratives); err != nil {
		t.Fatalf("decoding narratives: %v", err)
	}
	// Three defaults plus the created thread.
	if len(narratives) != 4 {
		t.Errorf("expected 4 narratives, got %d", len(narratives))
	}
}

func TestNarrativeEventsNotFound(t *testing.T) {
	h, _ := newTestHandler(t, "")

	if w := getPath(t, h, "/narratives/missing/events", ""); w.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", w.Code)
	}
}

func TestEnqueueJob(t *testing.T) {
	h, store := newTestHandler(t, "")

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"bad type", map[string]string{"type": "sometimes"}, http.StatusBadRequest},
		{"recurring without trigger", map[string]string{"type": "scheduled"}, http.StatusBadRequest},
		{"bad trigger", map[string]string{"type": "scheduled", "trigger": "whenever"}, http.StatusBadRequest},
		{"valid once", map[string]string{"type": "once"}, http.StatusOK},
		{"valid cron", map[string]string{"type": "scheduled", "trigger": "0 9 * * *"}, http.StatusOK},
	}
	for _, tc := range cases {
		if w := postJSON(t, h, "/jobs", "", tc.body); w.Code != tc.want {
			t.Errorf("%s: got %d, want %d (%s)", tc.name, w.Code, tc.want, w.Body.String())
		}
	}

	list, err := store.ListJobs(10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 enqueued jobs, got %d", len(list))
	}

	w := getPath(t, h, "/jobs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list jobs: %d", w.Code)
	}
	var jobsOut []storage.Job
	if err := json.Unmarshal(w.Body.Bytes(), &jobsOut); err != nil {
		t.Fatalf("decoding jobs: %v", err)
	}
	if len(jobsOut) != 2 {
		t.Errorf("expected 2 jobs listed, got %d", len(jobsOut))
	}
}
