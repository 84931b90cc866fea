package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/chat-relay/internal/model"
)

// MemoryStore is a mutex-guarded in-memory backend. It is the default driver
// and the one the test suite runs against.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

// CreateConversation persists a new conversation record.
func (s *MemoryStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

// GetConversation returns the conversation only when owned by userID.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[conversationID]
	if !exists || conv.UserID != userID {
		return nil, ErrNotFound
	}

	cp := *conv
	return &cp, nil
}

// ListConversations returns conversations owned by userID, newest first.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			convs = append(convs, *conv)
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	return convs, nil
}

// TouchConversation bumps updated_at and optionally sets the title.
func (s *MemoryStore) TouchConversation(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return ErrNotFound
	}

	if title != "" {
		conv.Title = title
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// AppendMessage persists one message and returns the stored record.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, metadata map[string]any) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)

	if conv, exists := s.conversations[conversationID]; exists {
		conv.UpdatedAt = msg.CreatedAt
	}

	return &msg, nil
}

// TrailingMessages returns up to limit most recent messages, chronological
// ascending.
func (s *MemoryStore) TrailingMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]model.Message, len(all))
	copy(out, all)
	return out, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() {}
