// Package knowledge manages provider-hosted knowledge for agents: vector
// stores and file attachments backing the file_search builtin, and embedding
// generation for the local search index.
package knowledge

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
)

// fileSearchTool is the agent tool row that carries vector store bindings.
const fileSearchTool = "file_search"

// providerClient is the slice of the provider API this service drives.
type providerClient interface {
	CreateVectorStore(ctx context.Context, name string) (openai.VectorStore, error)
	UploadFile(ctx context.Context, filename string, content io.Reader, purpose string) (openai.FileObject, error)
	AttachFileToVectorStore(ctx context.Context, storeID, fileID string) error
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequest) ([][]float32, error)
}

type agentToolStore interface {
	ListAgentTools(ctx context.Context, agentID uuid.UUID) ([]model.AgentTool, error)
	UpsertAgentTool(ctx context.Context, agentID uuid.UUID, toolName string, enabled bool, metadata map[string]any) (model.AgentTool, error)
}

// Config controls embedding generation.
type Config struct {
	EmbeddingModel      string
	EmbeddingDimensions int
}

// Service manages hosted vector stores and embeddings.
type Service struct {
	client providerClient
	store  agentToolStore
	cfg    Config
	logger *slog.Logger
}

// NewService creates a knowledge service.
func NewService(client providerClient, store agentToolStore, cfg Config, logger *slog.Logger) *Service {
	return &Service{client: client, store: store, cfg: cfg, logger: logger}
}

// AttachResult reports where an uploaded file landed.
type AttachResult struct {
	VectorStoreID string `json:"vector_store_id"`
	FileID        string `json:"file_id"`
}

// AttachFile uploads content and attaches it to the agent's vector store,
// creating the store and enabling file_search on first use. The store id is
// recorded on the agent's file_search tool row, which is where tool
// resolution picks it up.
func (s *Service) AttachFile(ctx context.Context, agent model.Agent, filename string, content io.Reader) (AttachResult, error) {
	storeID, err := s.ensureVectorStore(ctx, agent)
	if err != nil {
		return AttachResult{}, err
	}

	file, err := s.client.UploadFile(ctx, filename, content, "assistants")
	if err != nil {
		return AttachResult{}, fmt.Errorf("knowledge: upload file: %w", err)
	}
	if err := s.client.AttachFileToVectorStore(ctx, storeID, file.ID); err != nil {
		return AttachResult{}, fmt.Errorf("knowledge: attach file: %w", err)
	}

	s.logger.Info("attached knowledge file",
		"agent_id", agent.ID,
		"vector_store_id", storeID,
		"file_id", file.ID,
		"filename", filename)
	return AttachResult{VectorStoreID: storeID, FileID: file.ID}, nil
}

// ensureVectorStore returns the agent's bound vector store, creating and
// recording one when none exists yet.
func (s *Service) ensureVectorStore(ctx context.Context, agent model.Agent) (string, error) {
	agentTools, err := s.store.ListAgentTools(ctx, agent.ID)
	if err != nil {
		return "", fmt.Errorf("knowledge: list agent tools: %w", err)
	}
	for _, at := range agentTools {
		if at.ToolName != fileSearchTool {
			continue
		}
		if ids, ok := at.Metadata["vector_store_ids"].([]any); ok && len(ids) > 0 {
			if id, ok := ids[0].(string); ok && id != "" {
				return id, nil
			}
		}
	}

	vs, err := s.client.CreateVectorStore(ctx, "shiki-"+agent.Slug)
	if err != nil {
		return "", fmt.Errorf("knowledge: create vector store: %w", err)
	}
	_, err = s.store.UpsertAgentTool(ctx, agent.ID, fileSearchTool, true, map[string]any{
		"vector_store_ids": []any{vs.ID},
	})
	if err != nil {
		return "", fmt.Errorf("knowledge: record vector store: %w", err)
	}
	return vs.ID, nil
}

// Embed generates one embedding per input text, in order.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      s.cfg.EmbeddingModel,
		Input:      texts,
		Dimensions: s.cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("knowledge: expected %d embeddings, got %d", len(texts), len(vectors))
	}
	return vectors, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
