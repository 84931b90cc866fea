package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamlane/chat-relay/internal/model"
	natsclient "github.com/streamlane/chat-relay/internal/nats"
	"github.com/streamlane/chat-relay/pkg/logger"
)

// Integration tests run only when RELAY_TEST_NATS_URL is set, keeping a plain
// "go test ./..." fast and NATS-free.

func openTestJetStream(t *testing.T) *JetStreamStore {
	t.Helper()

	url := os.Getenv("RELAY_TEST_NATS_URL")
	if url == "" {
		t.Skip("RELAY_TEST_NATS_URL not set")
	}

	client, err := natsclient.Connect(natsclient.Config{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := NewJetStreamStore(ctx, client)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func newTestConversation(userID string) *model.Conversation {
	now := time.Now().UTC()
	return &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Persona:   "default",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJetStreamStoreRoundTrip(t *testing.T) {
	st := openTestJetStream(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userID := "it-user-" + uuid.NewString()[:8]
	conv := newTestConversation(userID)
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := st.GetConversation(ctx, conv.ID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign lookup err = %v, want ErrNotFound", err)
	}

	before, err := st.GetConversation(ctx, conv.ID, userID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 12; i++ {
		role := model.RoleUser
		var meta map[string]any
		if i%2 == 1 {
			role = model.RoleAssistant
			meta = map[string]any{"model": "test-model", "streamed": true}
		}
		if _, err := st.AppendMessage(ctx, conv.ID, role, fmt.Sprintf("m%d", i), meta); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	after, err := st.GetConversation(ctx, conv.ID, userID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatal("append should bump updated_at")
	}

	msgs, err := st.TrailingMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("trailing: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("got %d messages, want 10", len(msgs))
	}
	if msgs[0].Content != "m2" || msgs[9].Content != "m11" {
		t.Fatalf("window = %q..%q, want m2..m11", msgs[0].Content, msgs[9].Content)
	}
	if msgs[9].Metadata["streamed"] != true {
		t.Fatalf("metadata = %v, want streamed:true", msgs[9].Metadata)
	}
}

func TestJetStreamStoreListNewestFirst(t *testing.T) {
	st := openTestJetStream(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userID := "it-user-" + uuid.NewString()[:8]

	first := newTestConversation(userID)
	if err := st.CreateConversation(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	second := newTestConversation(userID)
	if err := st.CreateConversation(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// Appending to the older conversation makes it the most recently updated.
	if _, err := st.AppendMessage(ctx, first.ID, model.RoleUser, "hi", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := st.ListConversations(ctx, userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != first.ID {
		t.Fatalf("first = %q, want %q", convs[0].ID, first.ID)
	}
}
