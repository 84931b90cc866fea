// Package store defines the persistence gateway for conversations and
// messages, with in-memory, JetStream, and Postgres backends.
package store

import (
	"context"
	"errors"

	"github.com/streamlane/chat-relay/internal/model"
)

// ErrNotFound is returned when a conversation does not exist or is not owned
// by the requesting user. The two cases are deliberately indistinguishable so
// that no caller can leak the existence of a foreign conversation.
var ErrNotFound = errors.New("conversation not found")

// Store is the narrow persistence contract consumed by the relay core.
// Messages are append-only; TrailingMessages returns chronological ascending
// order. Implementations do not retry on failure.
type Store interface {
	// CreateConversation persists a new conversation record.
	CreateConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation returns the conversation only when it is owned by
	// userID; otherwise ErrNotFound.
	GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error)

	// ListConversations returns all conversations owned by userID, most
	// recently updated first.
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	// TouchConversation bumps the conversation's updated_at and, when title
	// is non-empty, sets its title.
	TouchConversation(ctx context.Context, conversationID, title string) error

	// AppendMessage persists one message and returns the stored record.
	AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, metadata map[string]any) (*model.Message, error)

	// TrailingMessages returns up to limit most recent messages for the
	// conversation, in chronological ascending order.
	TrailingMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	// Close releases backend resources.
	Close()
}
