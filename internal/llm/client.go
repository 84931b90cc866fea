// Package llm provides the upstream completion provider client.
package llm

import (
	"context"
	"fmt"
	"io"
)

// ChatMessage is one role/content pair in the outbound request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest is a streaming chat-completion request.
type StreamRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

// StatusError reports a non-success upstream response status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// Client is the upstream provider contract. OpenStream issues the streaming
// call and hands back the raw event-stream body; the relay owns its decoding.
// Complete is the non-streaming path, used only for auxiliary calls such as
// title generation.
type Client interface {
	OpenStream(ctx context.Context, req *StreamRequest) (io.ReadCloser, error)
	Complete(ctx context.Context, model, prompt string) (string, error)
}
