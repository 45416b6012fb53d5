package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/loom/internal/pipeline"
	"github.com/kalambet/loom/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Router *pipeline.Router
	Store  QueryStore
}

// NewMCPServer creates an MCP server exposing the routing core to
// agent frontends over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("loom routes conversational queries to long-lived memory threads and coordinates capability instances."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("route_query",
			mcp.WithDescription("Route a query to the best-matching memory thread, creating one if nothing matches."),
			mcp.WithString("agent_id", mcp.Description("Owning agent id"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Requesting user id")),
			mcp.WithString("query", mcp.Description("The query text to route"), mcp.Required()),
		),
		mcpRouteQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("list_narratives",
			mcp.WithDescription("List the memory threads for an agent scope."),
			mcp.WithString("agent_id", mcp.Description("Owning agent id"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Owning user id")),
		),
		mcpListNarratives(deps),
	)

	s.AddTool(
		mcp.NewTool("narrative_events",
			mcp.WithDescription("Return the recent events attached to a memory thread."),
			mcp.WithString("narrative_id", mcp.Description("Thread id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 20)")),
		),
		mcpNarrativeEvents(deps),
	)

	return s
}

func mcpRouteQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID := req.GetString("user_id", "")

		res, err := deps.Router.Route(ctx, pipeline.Request{
			AgentID: agentID,
			UserID:  userID,
			Query:   query,
			Origin:  "mcp",
		})
		if err != nil {
			return mcpError(fmt.Sprintf("routing failed: %v", err)), nil
		}

		b, err := json.Marshal(routeResult(res))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListNarratives(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		userID := req.GetString("user_id", "")

		narratives, err := deps.Store.NarrativesByScope(agentID, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing narratives failed: %v", err)), nil
		}

		summaries := make([]narrativeSummary, len(narratives))
		for i, n := range narratives {
			summaries[i] = narrativeSummary{
				ID:       n.ID,
				Title:    n.Title,
				Hint:     n.Hint,
				Keywords: n.Keywords,
				Special:  n.Special,
			}
		}
		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal narratives: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpNarrativeEvents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		narrativeID, err := req.RequireString("narrative_id")
		if err != nil {
			return mcpError("narrative_id is required"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		if _, err := deps.Store.GetNarrative(narrativeID); errors.Is(err, storage.ErrNotFound) {
			return mcpError("narrative not found"), nil
		} else if err != nil {
			return mcpError(fmt.Sprintf("loading narrative failed: %v", err)), nil
		}

		events, err := deps.Store.EventsByNarrative(narrativeID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing events failed: %v", err)), nil
		}

		type eventSummary struct {
			ID        string `json:"id"`
			Origin    string `json:"origin,omitempty"`
			Input     string `json:"input"`
			Output    string `json:"output,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]eventSummary, len(events))
		for i, e := range events {
			summaries[i] = eventSummary{
				ID:        e.ID,
				Origin:    e.Origin,
				Input:     e.Input,
				Output:    e.Output,
				CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			}
		}
		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal events: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
