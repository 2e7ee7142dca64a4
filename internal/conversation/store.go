// Package conversation owns conversation identity resolution, message
// persistence, the bounded history projection fed to the model, and
// truncation with summarization.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/openai"
	"github.com/ashita-ai/shiki/internal/storage"
)

// conversationStore is the persistence surface this package depends on.
type conversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error)
	FindConversationByCorrelationKey(ctx context.Context, agentID uuid.UUID, key string) (model.Conversation, error)
	FindConversationByExternalID(ctx context.Context, agentID uuid.UUID, externalID string) (model.Conversation, error)
	CreateConversation(ctx context.Context, agentID uuid.UUID, externalID *string, metadata map[string]any) (model.Conversation, error)
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error)
	CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
	ListOldestMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error)
	DeleteMessages(ctx context.Context, ids []uuid.UUID) error
}

// Publisher broadcasts lifecycle events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, kind model.EventKind, payload map[string]any)
}

// responseCreator is the slice of the model client summarization needs.
type responseCreator interface {
	CreateResponse(ctx context.Context, req openai.Request) (openai.Response, error)
}

// Criteria identifies the conversation a run should attach to. Fields are
// tried in order: direct ID, correlation key, external ID.
type Criteria struct {
	ConversationID *uuid.UUID
	CorrelationKey string
	ExternalID     string
	Metadata       map[string]any
}

// Store resolves conversations and manages their message history.
type Store struct {
	db            conversationStore
	publisher     Publisher
	client        responseCreator
	historyWindow int
	batchMax      int
	summaryModel  string
	logger        *slog.Logger
}

// Config bounds the history projection and truncation behavior.
type Config struct {
	HistoryWindow int
	BatchMax      int
	SummaryModel  string
}

// NewStore creates a conversation store.
func NewStore(db conversationStore, publisher Publisher, client responseCreator, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		db:            db,
		publisher:     publisher,
		client:        client,
		historyWindow: cfg.HistoryWindow,
		batchMax:      cfg.BatchMax,
		summaryModel:  cfg.SummaryModel,
		logger:        logger,
	}
}

// Resolve finds or creates the conversation for a run. The ordered fallback
// keeps one logical session on one conversation regardless of which
// identification scheme the caller uses. A new conversation starts active and
// announces itself with a conversation.created event.
func (s *Store) Resolve(ctx context.Context, agent model.Agent, c Criteria) (model.Conversation, error) {
	if c.ConversationID != nil {
		conv, err := s.db.GetConversation(ctx, *c.ConversationID)
		if err != nil {
			return model.Conversation{}, fmt.Errorf("conversation: resolve by id: %w", err)
		}
		return conv, nil
	}

	if c.CorrelationKey != "" {
		conv, err := s.db.FindConversationByCorrelationKey(ctx, agent.ID, c.CorrelationKey)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, fmt.Errorf("conversation: resolve by correlation key: %w", err)
		}
	}

	if c.ExternalID != "" {
		conv, err := s.db.FindConversationByExternalID(ctx, agent.ID, c.ExternalID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, fmt.Errorf("conversation: resolve by external id: %w", err)
		}
	}

	metadata := make(map[string]any, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	if c.CorrelationKey != "" {
		metadata[model.CorrelationKeyField] = c.CorrelationKey
	}
	var externalID *string
	if c.ExternalID != "" {
		externalID = &c.ExternalID
	}

	conv, err := s.db.CreateConversation(ctx, agent.ID, externalID, metadata)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("conversation: create: %w", err)
	}
	s.publisher.Publish(ctx, model.EventConversationCreated, map[string]any{
		"conversation_id": conv.ID.String(),
		"agent_id":        agent.ID.String(),
	})
	return conv, nil
}

// AppendMessage persists a message on the conversation. Every append emits
// message.added; user-authored messages additionally emit user.message.added
// so subscribers can react to inbound input without filtering.
func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, role model.MessageRole, content string, metadata map[string]any) (model.Message, error) {
	msg, err := s.db.InsertMessage(ctx, model.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("conversation: append message: %w", err)
	}

	payload := map[string]any{
		"conversation_id": conversationID.String(),
		"message_id":      msg.ID.String(),
		"role":            string(role),
	}
	s.publisher.Publish(ctx, model.EventMessageAdded, payload)
	if role == model.RoleUser {
		s.publisher.Publish(ctx, model.EventUserMessageAdded, payload)
	}
	return msg, nil
}

// HistoryForModel projects the conversation into the bounded, flattened form
// sent to the model: the most recent messages in chronological order, system
// messages only when they are generated truncation summaries, empty text
// dropped. Instructions reach the model through their own channel, so raw
// system content must never leak in here.
func (s *Store) HistoryForModel(ctx context.Context, conversationID uuid.UUID) ([]model.HistoryMessage, error) {
	msgs, err := s.db.ListRecentMessages(ctx, conversationID, s.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("conversation: load history: %w", err)
	}
	return FlattenHistory(msgs), nil
}

// FlattenHistory applies the history projection rules to a chronological
// message slice.
func FlattenHistory(msgs []model.Message) []model.HistoryMessage {
	var out []model.HistoryMessage
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser, model.RoleAssistant:
		case model.RoleSystem:
			if !m.IsTruncationSummary() {
				continue
			}
		default:
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		out = append(out, model.HistoryMessage{Role: m.Role, Content: text})
	}
	return out
}

// TruncateIfNeeded bounds conversation growth: once stored messages exceed
// the batch maximum, the oldest messages beyond the retained window are
// summarized by the summary model, the summary is persisted as a tagged
// system message, and the originals are deleted.
func (s *Store) TruncateIfNeeded(ctx context.Context, conversationID uuid.UUID) error {
	count, err := s.db.CountMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("conversation: count for truncation: %w", err)
	}
	if count <= s.batchMax {
		return nil
	}

	surplus := count - s.historyWindow
	oldest, err := s.db.ListOldestMessages(ctx, conversationID, surplus)
	if err != nil {
		return fmt.Errorf("conversation: load truncation batch: %w", err)
	}
	if len(oldest) == 0 {
		return nil
	}

	summary, err := s.summarize(ctx, oldest)
	if err != nil {
		return fmt.Errorf("conversation: summarize: %w", err)
	}

	if _, err := s.db.InsertMessage(ctx, model.Message{
		ConversationID: conversationID,
		Role:           model.RoleSystem,
		Content:        summary,
		Metadata:       map[string]any{"generated": true, "source": "truncation"},
	}); err != nil {
		return fmt.Errorf("conversation: persist summary: %w", err)
	}

	ids := make([]uuid.UUID, len(oldest))
	for i, m := range oldest {
		ids[i] = m.ID
	}
	if err := s.db.DeleteMessages(ctx, ids); err != nil {
		return fmt.Errorf("conversation: delete truncated messages: %w", err)
	}

	s.logger.Info("conversation truncated",
		"conversation_id", conversationID,
		"summarized", len(oldest),
	)
	return nil
}

func (s *Store) summarize(ctx context.Context, msgs []model.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	resp, err := s.client.CreateResponse(ctx, openai.Request{
		Model:        s.summaryModel,
		Instructions: "Produce a concise factual summary of the following conversation excerpt. Preserve names, decisions, and open questions. Answer with the summary only.",
		Input:        []openai.InputItem{openai.MessageInput("user", b.String())},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.OutputText())
	if summary == "" {
		return "", fmt.Errorf("summary model returned empty output")
	}
	return summary, nil
}
