package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// shiki://agents — registered agents.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shiki://agents",
			"Agents",
			mcplib.WithResourceDescription("Registered agents and their configuration"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	// shiki://conversations/{id}/messages — one conversation's transcript.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"shiki://conversations/{id}/messages",
			"Conversation Messages",
			mcplib.WithTemplateDescription("Message transcript of a conversation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleConversationResource,
	)
}

func (s *Server) handleAgentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, total, err := s.db.ListAgents(ctx, 100, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"agents": agents,
		"total":  total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shiki://agents",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleConversationResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	idStr := strings.TrimSuffix(strings.TrimPrefix(uri, "shiki://conversations/"), "/messages")
	convID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid conversation URI %q: %w", uri, err)
	}

	messages, total, err := s.db.ListMessages(ctx, convID, 200, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list messages: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"conversation_id": convID,
		"messages":        messages,
		"total":           total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal messages: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
