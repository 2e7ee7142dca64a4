// Package mcp implements the Model Context Protocol server for Shiki.
//
// The MCP server exposes the core runtime over stdio so MCP-compatible
// clients can run agents, list them, and search conversation history without
// going through the HTTP API.
package mcp

import (
	"context"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiki/internal/model"

	"github.com/google/uuid"
)

// agentStore is the storage slice the MCP surface reads from.
type agentStore interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetAgentBySlug(ctx context.Context, slug string) (model.Agent, error)
	ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, int, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, int, error)
}

// agentRunner executes blocking agent turns.
type agentRunner interface {
	Run(ctx context.Context, agent model.Agent, req model.RunRequest) (model.RunResult, error)
}

// conversationSearcher answers semantic search queries.
type conversationSearcher interface {
	Search(ctx context.Context, req model.SearchConversationsRequest) ([]model.SearchHit, error)
}

// Server wraps the MCP server with Shiki's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        agentStore
	runner    agentRunner
	search    conversationSearcher
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db agentStore, runner agentRunner, search conversationSearcher, version string, logger *slog.Logger) *Server {
	s := &Server{
		db:     db,
		runner: runner,
		search: search,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shiki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio runs the server over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}
