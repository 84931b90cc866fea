package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/internal/config"
	"github.com/streamlane/chat-relay/internal/llm"
	"github.com/streamlane/chat-relay/internal/model"
	"github.com/streamlane/chat-relay/internal/relay"
	"github.com/streamlane/chat-relay/internal/store"
	"github.com/streamlane/chat-relay/pkg/logger"
	"github.com/streamlane/chat-relay/pkg/metrics"
)

// TurnService orchestrates one streamed turn: authorize, persist the user
// message, assemble context, open the upstream call, and drive the relay.
type TurnService struct {
	store  store.Store
	llm    llm.Client
	logger *logger.Logger

	contextWindow int
	defaultModel  string
	maxTokens     int
}

// NewTurnService creates a new turn orchestrator.
func NewTurnService(st store.Store, client llm.Client, cfg *config.Config, log *logger.Logger) *TurnService {
	return &TurnService{
		store:         st,
		llm:           client,
		logger:        log,
		contextWindow: cfg.ContextWindow,
		defaultModel:  cfg.UpstreamModel,
		maxTokens:     cfg.UpstreamMaxTok,
	}
}

// Begin validates the request and authorizes access to the conversation. It
// has no side effects: validation and authorization failures happen before
// any persistence call, so callers can still answer with a plain HTTP error.
// A foreign conversation is reported as store.ErrNotFound.
func (s *TurnService) Begin(ctx context.Context, userID, conversationID string, req *model.SendMessageRequest) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if req == nil || req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	return s.store.GetConversation(ctx, conversationID, userID)
}

// Run executes the turn against an already-authorized conversation, emitting
// every outcome in-band on the sink. The user message is persisted before the
// upstream call so the turn is durable even if everything after fails.
func (s *TurnService) Run(ctx context.Context, conv *model.Conversation, req *model.SendMessageRequest, sink relay.Sink) error {
	tracer := otel.Tracer("chat-relay/turn")
	ctx, span := tracer.Start(ctx, "turn")
	span.SetAttributes(attribute.String("conversation.id", conv.ID))
	defer span.End()

	userMsg, err := s.store.AppendMessage(ctx, conv.ID, model.RoleUser, req.Content, nil)
	if err != nil {
		s.logger.Error("failed to persist user message",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		_ = sink.Send(model.EventError, &model.ErrorEvent{Message: "failed to save message"})
		_ = sink.End()
		return err
	}
	metrics.MessagesPersisted.WithLabelValues(string(model.RoleUser)).Inc()

	// The trailing window is read after the user message was persisted, so it
	// carries that message as its last entry; BuildContext drops it.
	trailing, err := s.store.TrailingMessages(ctx, conv.ID, s.contextWindow+1)
	if err != nil {
		s.logger.Error("failed to load context window",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		_ = sink.Send(model.EventError, &model.ErrorEvent{Message: "failed to load history"})
		_ = sink.End()
		return err
	}

	modelName := req.Model
	if modelName == "" {
		modelName = s.defaultModel
	}

	rel := relay.New(s.store, sink, s.logger, conv.ID, userMsg, modelName)

	start := time.Now()
	body, err := s.llm.OpenStream(ctx, &llm.StreamRequest{
		Model:     modelName,
		Messages:  BuildContext(conv.Persona, trailing, req.Content),
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		// One attempt per turn; no retry toward the upstream.
		s.logger.Error("upstream call failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		rel.FailBeforeOpen("upstream unavailable")
		metrics.RecordTurn(modelName, "unavailable", time.Since(start).Seconds())
		return err
	}

	runErr := rel.Run(ctx, body)

	outcome := "success"
	if runErr != nil {
		outcome = "interrupted"
	}
	metrics.RecordTurn(modelName, outcome, time.Since(start).Seconds())

	if conv.Title == "" && rel.SavedMessage() != nil {
		go s.generateTitle(context.WithoutCancel(ctx), conv, req.Content)
	}

	return runErr
}
