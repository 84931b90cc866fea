package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/chat-relay/internal/config"
	"github.com/streamlane/chat-relay/internal/llm"
	"github.com/streamlane/chat-relay/internal/model"
	"github.com/streamlane/chat-relay/internal/store"
	"github.com/streamlane/chat-relay/pkg/logger"
)

// countingStore wraps a Store and counts every gateway call.
type countingStore struct {
	store.Store
	calls int
}

func (s *countingStore) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	s.calls++
	return s.Store.GetConversation(ctx, conversationID, userID)
}

func (s *countingStore) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, metadata map[string]any) (*model.Message, error) {
	s.calls++
	return s.Store.AppendMessage(ctx, conversationID, role, content, metadata)
}

func (s *countingStore) TrailingMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.calls++
	return s.Store.TrailingMessages(ctx, conversationID, limit)
}

// fakeLLM serves a canned stream body or a canned failure.
type fakeLLM struct {
	body       string
	openErr    error
	lastReq    *llm.StreamRequest
	completion string
}

func (f *fakeLLM) OpenStream(ctx context.Context, req *llm.StreamRequest) (io.ReadCloser, error) {
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeLLM) Complete(ctx context.Context, model, prompt string) (string, error) {
	if f.completion == "" {
		return "", errors.New("no completion configured")
	}
	return f.completion, nil
}

type recordedEvent struct {
	name    string
	payload any
}

type recordingSink struct {
	events []recordedEvent
}

func (s *recordingSink) Send(event string, payload any) error {
	s.events = append(s.events, recordedEvent{name: event, payload: payload})
	return nil
}

func (s *recordingSink) End() error {
	s.events = append(s.events, recordedEvent{name: "[DONE]"})
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		ContextWindow:  10,
		UpstreamModel:  "test-model",
		UpstreamMaxTok: 256,
	}
}

func seedConversation(t *testing.T, st store.Store, userID, title string) *model.Conversation {
	t.Helper()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Persona:   DefaultPersona,
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestBeginRejectsMissingContentWithoutStoreCalls(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	svc := NewTurnService(cs, &fakeLLM{}, testConfig(), logger.NewNop())

	_, err := svc.Begin(context.Background(), "user-1", "conv-1", &model.SendMessageRequest{Content: ""})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if cs.calls != 0 {
		t.Fatalf("store calls = %d, want 0", cs.calls)
	}
}

func TestBeginRejectsMissingConversationID(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	svc := NewTurnService(cs, &fakeLLM{}, testConfig(), logger.NewNop())

	_, err := svc.Begin(context.Background(), "user-1", "", &model.SendMessageRequest{Content: "hi"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if cs.calls != 0 {
		t.Fatalf("store calls = %d, want 0", cs.calls)
	}
}

func TestBeginMasksForeignConversationAsNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "owner", "t")
	svc := NewTurnService(st, &fakeLLM{}, testConfig(), logger.NewNop())

	_, err := svc.Begin(context.Background(), "intruder", conv.ID, &model.SendMessageRequest{Content: "hi"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunPersistsUserMessageBeforeUpstreamFailure(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1", "t")
	svc := NewTurnService(st, &fakeLLM{openErr: errors.New("connection refused")}, testConfig(), logger.NewNop())

	sink := &recordingSink{}
	err := svc.Run(context.Background(), conv, &model.SendMessageRequest{Content: "hi"}, sink)
	if err == nil {
		t.Fatal("run should report the upstream failure")
	}

	msgs, _ := st.TrailingMessages(context.Background(), conv.ID, 0)
	if len(msgs) != 1 || msgs[0].Role != model.RoleUser {
		t.Fatalf("messages = %+v, want exactly the user message", msgs)
	}

	var sawError, sawDone bool
	for _, e := range sink.events {
		switch e.name {
		case model.EventError:
			sawError = true
		case "[DONE]":
			sawDone = true
		}
	}
	if !sawError || !sawDone {
		t.Fatalf("events = %+v, want error and terminator", sink.events)
	}
}

func TestRunHappyPath(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1", "already titled")

	upstream := &fakeLLM{body: "data: {\"choices\":[{\"delta\":{\"content\":\"Olá!\"}}]}\n\ndata: [DONE]\n\n"}
	svc := NewTurnService(st, upstream, testConfig(), logger.NewNop())

	sink := &recordingSink{}
	if err := svc.Run(context.Background(), conv, &model.SendMessageRequest{Content: "hello"}, sink); err != nil {
		t.Fatalf("run: %v", err)
	}

	msgs, _ := st.TrailingMessages(context.Background(), conv.ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[1].Role != model.RoleAssistant {
		t.Fatalf("roles = %v/%v, want user/assistant", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Olá!" {
		t.Fatalf("assistant content = %q, want %q", msgs[1].Content, "Olá!")
	}

	// The outbound payload opens with the directive and ends with the new
	// content, without duplicating the just-persisted user message.
	if upstream.lastReq == nil {
		t.Fatal("upstream was not called")
	}
	payload := upstream.lastReq.Messages
	if payload[0].Role != string(model.RoleSystem) {
		t.Fatalf("payload[0].Role = %q, want system", payload[0].Role)
	}
	if payload[len(payload)-1].Content != "hello" {
		t.Fatalf("payload tail = %+v, want the new content", payload[len(payload)-1])
	}
	if len(payload) != 2 {
		t.Fatalf("payload length = %d, want directive + content", len(payload))
	}

	if sink.events[0].name != model.EventUserMessage {
		t.Fatalf("first event = %q, want %s", sink.events[0].name, model.EventUserMessage)
	}
	if sink.events[len(sink.events)-1].name != "[DONE]" {
		t.Fatalf("last event = %q, want terminator", sink.events[len(sink.events)-1].name)
	}
}

func TestGenerateTitleStoresTrimmedTitle(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1", "")
	svc := NewTurnService(st, &fakeLLM{completion: "  \"Greetings in Portuguese\"  "}, testConfig(), logger.NewNop())

	svc.generateTitle(context.Background(), conv, "hello")

	stored, err := st.GetConversation(context.Background(), conv.ID, "user-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if stored.Title != "Greetings in Portuguese" {
		t.Fatalf("title = %q, want %q", stored.Title, "Greetings in Portuguese")
	}
}

func TestGenerateTitleFailureLeavesTitleEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	conv := seedConversation(t, st, "user-1", "")
	svc := NewTurnService(st, &fakeLLM{}, testConfig(), logger.NewNop())

	svc.generateTitle(context.Background(), conv, "hello")

	stored, _ := st.GetConversation(context.Background(), conv.ID, "user-1")
	if stored.Title != "" {
		t.Fatalf("title = %q, want empty", stored.Title)
	}
}
