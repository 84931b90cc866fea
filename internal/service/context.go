package service

import (
	"github.com/streamlane/chat-relay/internal/llm"
	"github.com/streamlane/chat-relay/internal/model"
)

// DefaultPersona is used when a conversation does not name one.
const DefaultPersona = "default"

// personaDirectives maps a conversation's persona to its system directive.
var personaDirectives = map[string]string{
	DefaultPersona: "You are a helpful assistant. Answer clearly and stay on topic.",
	"concise":      "You are a helpful assistant. Answer in as few words as possible without losing accuracy.",
	"tutor":        "You are a patient tutor. Explain concepts step by step and check the user's understanding with questions.",
}

// Directive returns the system directive for a persona, falling back to the
// default.
func Directive(persona string) string {
	if d, ok := personaDirectives[persona]; ok {
		return d
	}
	return personaDirectives[DefaultPersona]
}

// BuildContext assembles the outbound message sequence: one system directive,
// the trailing history minus its last entry, then the new user content last.
//
// The trailing history is fetched after the user message was persisted, so
// its final entry is that same message; it is dropped and the content is
// re-appended explicitly to avoid duplicating the final turn.
func BuildContext(persona string, trailing []model.Message, content string) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(trailing)+1)
	out = append(out, llm.ChatMessage{
		Role:    string(model.RoleSystem),
		Content: Directive(persona),
	})

	if len(trailing) > 0 {
		trailing = trailing[:len(trailing)-1]
	}
	for _, msg := range trailing {
		out = append(out, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	out = append(out, llm.ChatMessage{
		Role:    string(model.RoleUser),
		Content: content,
	})

	return out
}
