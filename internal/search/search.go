// Package search provides semantic search over conversation messages using an
// external vector index with transparent fallback to pgvector in Postgres.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// Result holds a message ID and its raw similarity score from the index.
// The caller hydrates full Message objects from Postgres (source of truth).
type Result struct {
	MessageID uuid.UUID
	Score     float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns message IDs matching the query vector, optionally
	// scoped to one agent. Returns IDs + raw similarity scores; the caller
	// hydrates from Postgres.
	Search(ctx context.Context, agentID *uuid.UUID, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

type embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type hydrateStore interface {
	GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error)
	SearchMessagesByEmbedding(ctx context.Context, agentID *uuid.UUID, embedding []float32, limit int) ([]model.SearchHit, error)
}

// Service answers conversation search queries. When the external index is
// unavailable (or not configured) it degrades to a pgvector scan in Postgres.
type Service struct {
	embedder embedder
	index    Searcher // nil when no external index is configured
	db       hydrateStore
	logger   *slog.Logger
}

// NewService creates a search service. index may be nil.
func NewService(embedder embedder, index Searcher, db hydrateStore, logger *slog.Logger) *Service {
	return &Service{embedder: embedder, index: index, db: db, logger: logger}
}

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Search embeds the query and returns the closest messages.
func (s *Service) Search(ctx context.Context, req model.SearchConversationsRequest) ([]model.SearchHit, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	queryVec, err := s.embedder.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	if s.index != nil {
		if err := s.index.Healthy(ctx); err != nil {
			s.logger.Warn("search index unhealthy, falling back to postgres", "error", err)
		} else {
			hits, err := s.searchIndex(ctx, req.AgentID, queryVec, limit)
			if err == nil {
				return hits, nil
			}
			s.logger.Warn("search index query failed, falling back to postgres", "error", err)
		}
	}

	hits, err := s.db.SearchMessagesByEmbedding(ctx, req.AgentID, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("search: postgres fallback: %w", err)
	}
	return hits, nil
}

// searchIndex queries the external index and hydrates messages from Postgres.
// Messages deleted between indexing and hydration are silently skipped.
func (s *Service) searchIndex(ctx context.Context, agentID *uuid.UUID, embedding []float32, limit int) ([]model.SearchHit, error) {
	results, err := s.index.Search(ctx, agentID, embedding, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]model.SearchHit, 0, len(results))
	for _, r := range results {
		msg, err := s.db.GetMessage(ctx, r.MessageID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("search: hydrate message %s: %w", r.MessageID, err)
		}
		hits = append(hits, model.SearchHit{Message: msg, Score: r.Score})
	}
	return hits, nil
}
