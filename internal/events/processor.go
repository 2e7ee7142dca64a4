package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

// maxStoredErrorLen bounds error text stored on a failed event row.
const maxStoredErrorLen = 500

// Processor replays inbound events into the conversation store, the usage
// ledger, and the lifecycle stream. Processing is idempotent: claiming is
// guarded by a row lock, processed is terminal, and message upserts
// additionally dedup on source message provenance.
type Processor struct {
	store       *storage.DB
	publisher   *Publisher
	maxAttempts int
	logger      *slog.Logger
}

// NewProcessor creates an event processor.
func NewProcessor(store *storage.DB, publisher *Publisher, maxAttempts int, logger *slog.Logger) *Processor {
	return &Processor{store: store, publisher: publisher, maxAttempts: maxAttempts, logger: logger}
}

// Process claims and handles one event. An unclaimable event (already
// processed, held by another worker, or out of attempts) is a silent no-op.
// A handling error marks the event failed and is returned so the delivery
// mechanism can apply its own retry policy.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	ev, err := p.store.ClaimEvent(ctx, id, p.maxAttempts)
	if err != nil {
		if errors.Is(err, storage.ErrNotClaimable) {
			return nil
		}
		return fmt.Errorf("events: claim %s: %w", id, err)
	}

	if err := p.dispatch(ctx, ev); err != nil {
		msg := err.Error()
		if len(msg) > maxStoredErrorLen {
			msg = msg[:maxStoredErrorLen]
		}
		if markErr := p.store.MarkEventFailed(ctx, ev.ID, msg); markErr != nil {
			p.logger.Error("mark event failed", "event_id", ev.ID, "error", markErr)
		}
		return fmt.Errorf("events: process %s (%s): %w", ev.ID, ev.Kind, err)
	}

	if err := p.store.MarkEventProcessed(ctx, ev.ID); err != nil {
		return fmt.Errorf("events: mark processed %s: %w", ev.ID, err)
	}
	return nil
}

// dispatch routes a claimed event by kind. The kind set is closed; anything
// outside it lands in the explicit unhandled branch and fails the event.
func (p *Processor) dispatch(ctx context.Context, ev model.Event) error {
	switch ev.Kind {
	case model.EventConversationUpsert:
		return p.handleConversationUpsert(ctx, ev)
	case model.EventMessageUpsert:
		return p.handleMessageUpsert(ctx, ev)
	case model.EventUsageRecorded:
		return p.handleUsageRecorded(ctx, ev)
	case model.EventRunStarted, model.EventRunCompleted, model.EventRunFailed,
		model.EventToolCallStarted, model.EventToolCallCompleted,
		model.EventConversationCreated, model.EventConversationUpdated,
		model.EventMessageAdded, model.EventUserMessageAdded:
		return p.handleLifecycle(ctx, ev)
	default:
		return fmt.Errorf("unhandled event kind %q", ev.Kind)
	}
}

// handleConversationUpsert finds or creates the conversation named by the
// payload and merges payload metadata into it.
func (p *Processor) handleConversationUpsert(ctx context.Context, ev model.Event) error {
	if ev.AgentID == nil {
		return fmt.Errorf("conversation.upsert requires agent_id")
	}
	conv, err := p.resolvePayloadConversation(ctx, *ev.AgentID, ev.Payload, true)
	if err != nil {
		return err
	}

	if meta, ok := ev.Payload["metadata"].(map[string]any); ok && len(meta) > 0 {
		if err := p.store.TouchConversation(ctx, conv.ID, meta); err != nil {
			return fmt.Errorf("merge conversation metadata: %w", err)
		}
		p.publisher.Publish(ctx, model.EventConversationUpdated, map[string]any{
			"conversation_id": conv.ID.String(),
		})
	}
	return nil
}

// handleMessageUpsert appends a message unless one with the same source
// provenance already exists on the conversation. The provenance id is taken
// from the first matching payload field so the same external message under
// different envelopes still collapses to one row.
func (p *Processor) handleMessageUpsert(ctx context.Context, ev model.Event) error {
	if ev.AgentID == nil {
		return fmt.Errorf("message.upsert requires agent_id")
	}
	content, _ := ev.Payload["content"].(string)
	if content == "" {
		return fmt.Errorf("message.upsert requires content")
	}
	role := model.MessageRole(stringField(ev.Payload, "role"))
	switch role {
	case model.RoleUser, model.RoleAssistant, model.RoleSystem:
	case "":
		role = model.RoleUser
	default:
		return fmt.Errorf("message.upsert: unhandled role %q", role)
	}

	conv, err := p.resolvePayloadConversation(ctx, *ev.AgentID, ev.Payload, true)
	if err != nil {
		return err
	}

	var sourceID *string
	for _, field := range model.SourceMessageIDFields {
		if v := stringField(ev.Payload, field); v != "" {
			sourceID = &v
			break
		}
	}
	if sourceID != nil {
		if _, err := p.store.FindMessageBySourceID(ctx, conv.ID, *sourceID); err == nil {
			return nil // already ingested under another envelope
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("check message provenance: %w", err)
		}
	}

	meta, _ := ev.Payload["metadata"].(map[string]any)
	if _, err := p.store.InsertMessage(ctx, model.Message{
		ConversationID:  conv.ID,
		Role:            role,
		Content:         content,
		SourceMessageID: sourceID,
		Metadata:        meta,
	}); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// handleUsageRecorded writes a usage ledger row from an external report.
func (p *Processor) handleUsageRecorded(ctx context.Context, ev model.Event) error {
	if ev.AgentID == nil {
		return fmt.Errorf("usage.recorded requires agent_id")
	}
	log := model.UsageLog{
		AgentID:          *ev.AgentID,
		Model:            stringField(ev.Payload, "model"),
		PromptTokens:     intField(ev.Payload, "prompt_tokens"),
		CompletionTokens: intField(ev.Payload, "completion_tokens"),
		TotalTokens:      intField(ev.Payload, "total_tokens"),
		Cost:             floatField(ev.Payload, "cost"),
	}
	if log.PromptTokens < 0 || log.CompletionTokens < 0 || log.Cost < 0 {
		return fmt.Errorf("usage.recorded: negative usage values")
	}
	if log.TotalTokens == 0 {
		log.TotalTokens = log.PromptTokens + log.CompletionTokens
	}
	if id := uuidField(ev.Payload, "run_id"); id != nil {
		log.RunID = id
	}
	if id := uuidField(ev.Payload, "conversation_id"); id != nil {
		log.ConversationID = id
	}
	if _, err := p.store.InsertUsageLog(ctx, log); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	p.publisher.Publish(ctx, model.EventUsageRecorded, ev.Payload)
	return nil
}

// handleLifecycle mirrors externally-originated run and tool activity into
// the run table and re-broadcasts it, so external activity shows up on the
// same observable stream as in-process runs. Only start/complete/fail kinds
// may lazily create a run row.
func (p *Processor) handleLifecycle(ctx context.Context, ev model.Event) error {
	if model.RunLifecycleKind(ev.Kind) {
		if err := p.applyRunLifecycle(ctx, ev); err != nil {
			return err
		}
	}
	p.publisher.Publish(ctx, ev.Kind, ev.Payload)
	return nil
}

func (p *Processor) applyRunLifecycle(ctx context.Context, ev model.Event) error {
	if ev.AgentID == nil {
		return fmt.Errorf("%s requires agent_id", ev.Kind)
	}

	runID := uuidField(ev.Payload, "run_id")
	var run model.AgentRun
	var err error
	if runID != nil {
		run, err = p.store.GetRun(ctx, *runID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load run: %w", err)
		}
	}

	if runID == nil || errors.Is(err, storage.ErrNotFound) {
		conv, cerr := p.resolvePayloadConversation(ctx, *ev.AgentID, ev.Payload, true)
		if cerr != nil {
			return cerr
		}
		run, err = p.store.CreateRun(ctx, *ev.AgentID, conv.ID, map[string]any{"origin": "event"})
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
	}

	switch ev.Kind {
	case model.EventRunStarted:
		// Created rows already start running.
	case model.EventRunCompleted:
		var respID *string
		if v := stringField(ev.Payload, "response_id"); v != "" {
			respID = &v
		}
		if err := p.store.CompleteRun(ctx, run.ID, model.RunStatusCompleted, respID, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("complete run: %w", err)
		}
	case model.EventRunFailed:
		var runErr *string
		if v := stringField(ev.Payload, "error"); v != "" {
			runErr = &v
		}
		if err := p.store.CompleteRun(ctx, run.ID, model.RunStatusFailed, nil, runErr); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("fail run: %w", err)
		}
	default:
		return fmt.Errorf("unhandled run lifecycle kind %q", ev.Kind)
	}
	return nil
}

// resolvePayloadConversation applies the standard resolution order to the
// conversation references inside an event payload.
func (p *Processor) resolvePayloadConversation(ctx context.Context, agentID uuid.UUID, payload map[string]any, createMissing bool) (model.Conversation, error) {
	if id := uuidField(payload, "conversation_id"); id != nil {
		conv, err := p.store.GetConversation(ctx, *id)
		if err != nil {
			return model.Conversation{}, fmt.Errorf("resolve conversation by id: %w", err)
		}
		return conv, nil
	}

	if key := stringField(payload, model.CorrelationKeyField); key != "" {
		conv, err := p.store.FindConversationByCorrelationKey(ctx, agentID, key)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, fmt.Errorf("resolve conversation by correlation key: %w", err)
		}
	}

	externalID := stringField(payload, "external_id")
	if externalID != "" {
		conv, err := p.store.FindConversationByExternalID(ctx, agentID, externalID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Conversation{}, fmt.Errorf("resolve conversation by external id: %w", err)
		}
	}

	if !createMissing {
		return model.Conversation{}, storage.ErrNotFound
	}

	metadata := map[string]any{}
	if key := stringField(payload, model.CorrelationKeyField); key != "" {
		metadata[model.CorrelationKeyField] = key
	}
	var extPtr *string
	if externalID != "" {
		extPtr = &externalID
	}
	conv, err := p.store.CreateConversation(ctx, agentID, extPtr, metadata)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	p.publisher.Publish(ctx, model.EventConversationCreated, map[string]any{
		"conversation_id": conv.ID.String(),
		"agent_id":        agentID.String(),
	})
	return conv, nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func floatField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func uuidField(payload map[string]any, key string) *uuid.UUID {
	s := stringField(payload, key)
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
