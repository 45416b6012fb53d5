package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/loom/internal/hooks"
	"github.com/kalambet/loom/internal/instance"
	"github.com/kalambet/loom/internal/narrative"
	"github.com/kalambet/loom/internal/pipeline"
	"github.com/kalambet/loom/internal/retrieval"
	"github.com/kalambet/loom/internal/session"
	"github.com/kalambet/loom/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
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

	return MCPDeps{Router: router, Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_RouteQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRouteQuery(deps)

	req := makeCallToolRequest("route_query", map[string]interface{}{
		"agent_id": "agent",
		"user_id":  "alice",
		"query":    "plan the trip",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var routed routeResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &routed); err != nil {
		t.Fatalf("failed to parse route result: %v", err)
	}
	if routed.EventID == "" {
		t.Error("route result missing event id")
	}
	if routed.Method != narrative.MethodCreated {
		t.Errorf("method = %q, want %q", routed.Method, narrative.MethodCreated)
	}
	if len(routed.Narratives) == 0 {
		t.Error("route result missing narratives")
	}
}

func TestMCPTool_RouteQuery_MissingQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRouteQuery(deps)

	req := makeCallToolRequest("route_query", map[string]interface{}{
		"agent_id": "agent",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing query")
	}
}

func TestMCPTool_ListNarratives(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	// Route once so the scope exists with its defaults plus a created thread.
	routeHandler := mcpRouteQuery(deps)
	if _, err := routeHandler(context.Background(), makeCallToolRequest("route_query", map[string]interface{}{
		"agent_id": "agent", "user_id": "alice", "query": "plan the trip",
	})); err != nil {
		t.Fatalf("route: %v", err)
	}

	handler := mcpListNarratives(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_narratives", map[string]interface{}{
		"agent_id": "agent", "user_id": "alice",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var summaries []narrativeSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &summaries); err != nil {
		t.Fatalf("failed to parse narratives: %v", err)
	}
	if len(summaries) != 4 {
		t.Errorf("expected 4 narratives, got %d", len(summaries))
	}
}

func TestMCPTool_ListNarratives_MissingAgent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpListNarratives(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_narratives", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing agent_id")
	}
}

func TestMCPTool_NarrativeEvents(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	routeHandler := mcpRouteQuery(deps)
	result, err := routeHandler(context.Background(), makeCallToolRequest("route_query", map[string]interface{}{
		"agent_id": "agent", "user_id": "alice", "query": "plan the trip",
	}))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var routed routeResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &routed); err != nil {
		t.Fatalf("failed to parse route result: %v", err)
	}
	if len(routed.Narratives) == 0 {
		t.Fatal("route did not land on a narrative")
	}

	handler := mcpNarrativeEvents(deps)
	result, err = handler(context.Background(), makeCallToolRequest("narrative_events", map[string]interface{}{
		"narrative_id": routed.Narratives[0].ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var events []struct {
		ID    string `json:"id"`
		Input string `json:"input"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &events); err != nil {
		t.Fatalf("failed to parse events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Input != "plan the trip" {
		t.Errorf("event input = %q", events[0].Input)
	}
}

func TestMCPTool_NarrativeEvents_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpNarrativeEvents(deps)

	result, err := handler(context.Background(), makeCallToolRequest("narrative_events", map[string]interface{}{
		"narrative_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown narrative")
	}
	if got := toolText(t, result); got != "narrative not found" {
		t.Errorf("message = %q", got)
	}
}

func TestMCPServer_Builds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
