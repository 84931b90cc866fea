// Package service provides business logic for the chat relay.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/internal/model"
	"github.com/streamlane/chat-relay/internal/store"
	"github.com/streamlane/chat-relay/pkg/logger"
	"github.com/streamlane/chat-relay/pkg/metrics"
)

// ErrValidation reports a missing or malformed request field. Returned before
// any persistence call is made.
var ErrValidation = errors.New("invalid request")

// ConversationService handles conversation operations.
type ConversationService struct {
	store  store.Store
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.Store, log *logger.Logger) *ConversationService {
	return &ConversationService{store: st, logger: log}
}

// Create creates a new conversation owned by userID.
func (s *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := time.Now()

	persona := req.Persona
	if persona == "" {
		persona = DefaultPersona
	}

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Persona:   persona,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.String("persona", persona),
	)

	return conv, nil
}

// Get retrieves a conversation. A conversation owned by another user is
// reported as not found, identically to a missing one.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID, userID)
}

// List retrieves the user's conversations.
func (s *ConversationService) List(ctx context.Context, userID string) (*model.ListConversationsResponse, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Messages retrieves the trailing messages of a conversation.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID string, limit int) (*model.ListMessagesResponse, error) {
	if _, err := s.store.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	msgs, err := s.store.TrailingMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return &model.ListMessagesResponse{
		Messages: msgs,
		Total:    len(msgs),
	}, nil
}
