package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shiki/internal/model"
)

func (s *Server) registerTools() {
	// run_agent — execute one blocking agent turn.
	s.mcpServer.AddTool(
		mcplib.NewTool("run_agent",
			mcplib.WithDescription("Run an agent with the given input and return its answer. Conversation state persists across calls sharing a correlation_key."),
			mcplib.WithString("agent", mcplib.Description("Agent slug or UUID"), mcplib.Required()),
			mcplib.WithString("input", mcplib.Description("User input for this turn"), mcplib.Required()),
			mcplib.WithString("correlation_key", mcplib.Description("Opaque key grouping turns into one conversation")),
			mcplib.WithString("conversation_id", mcplib.Description("Existing conversation UUID to continue")),
		),
		s.handleRunAgent,
	)

	// list_agents — enumerate registered agents.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_agents",
			mcplib.WithDescription("List registered agents with their slug, model, and status"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum agents to return")),
		),
		s.handleListAgents,
	)

	// search_conversations — semantic search over message history.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_conversations",
			mcplib.WithDescription("Search conversation history by semantic similarity"),
			mcplib.WithString("query", mcplib.Description("Natural language search query"), mcplib.Required()),
			mcplib.WithString("agent", mcplib.Description("Restrict to one agent (slug or UUID)")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleSearchConversations,
	)
}

// resolveAgent accepts either a slug or a UUID.
func (s *Server) resolveAgent(ctx context.Context, ref string) (model.Agent, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.db.GetAgent(ctx, id)
	}
	return s.db.GetAgentBySlug(ctx, ref)
}

func (s *Server) handleRunAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentRef := request.GetString("agent", "")
	input := request.GetString("input", "")
	if agentRef == "" || input == "" {
		return errorResult("agent and input are required"), nil
	}

	agent, err := s.resolveAgent(ctx, agentRef)
	if err != nil {
		return errorResult(fmt.Sprintf("agent %q not found: %v", agentRef, err)), nil
	}

	req := model.RunRequest{AgentID: &agent.ID, Input: input}
	if key := request.GetString("correlation_key", ""); key != "" {
		req.CorrelationKey = &key
	}
	if convRef := request.GetString("conversation_id", ""); convRef != "" {
		convID, err := uuid.Parse(convRef)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid conversation_id: %v", err)), nil
		}
		req.ConversationID = &convID
	}

	result, err := s.runner.Run(ctx, agent, req)
	if err != nil {
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id":          result.RunID,
		"conversation_id": result.ConversationID,
		"output":          result.Output,
		"usage":           result.Usage,
		"cost":            result.Cost,
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleListAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 50)

	agents, total, err := s.db.ListAgents(ctx, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list agents failed: %v", err)), nil
	}

	summaries := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		summaries = append(summaries, map[string]any{
			"id":     a.ID,
			"slug":   a.Slug,
			"name":   a.Name,
			"model":  a.Model,
			"status": a.Status,
		})
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"agents": summaries,
		"total":  total,
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleSearchConversations(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	req := model.SearchConversationsRequest{
		Query: query,
		Limit: request.GetInt("limit", 10),
	}
	if agentRef := request.GetString("agent", ""); agentRef != "" {
		agent, err := s.resolveAgent(ctx, agentRef)
		if err != nil {
			return errorResult(fmt.Sprintf("agent %q not found: %v", agentRef, err)), nil
		}
		req.AgentID = &agent.ID
	}

	hits, err := s.search.Search(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"results": hits,
		"total":   len(hits),
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
