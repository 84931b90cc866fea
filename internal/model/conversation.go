// Package model defines data structures for the chat relay.
package model

import (
	"time"
)

// Conversation represents a conversation thread owned by a single user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Persona   string    `json:"persona"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Persona string `json:"persona,omitempty"`
	Title   string `json:"title,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
