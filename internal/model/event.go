package model

// Relay event names, in emission order. Every stream ends with the literal
// [DONE] sentinel rather than a named event.
const (
	EventUserMessage  = "user_message"
	EventContent      = "content"
	EventMessageSaved = "message_saved"
	EventError        = "error"
)

// ContentEvent carries one delta fragment of assistant output.
type ContentEvent struct {
	Text string `json:"text"`
}

// ErrorEvent carries a short human-readable failure description.
type ErrorEvent struct {
	Message string `json:"message"`
}
