package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamlane/chat-relay/internal/model"
	natsclient "github.com/streamlane/chat-relay/internal/nats"
)

const (
	// streamName is the name of the relay message stream.
	streamName = "RELAY_MESSAGES"

	// subjectPrefix is the prefix for all message subjects.
	subjectPrefix = "relay.msg"

	// conversationBucket is the KV bucket holding conversation records.
	conversationBucket = "relay_conversations"
)

// JetStreamStore persists messages to a NATS JetStream stream, one subject
// per conversation and role, and conversation records to a KV bucket.
type JetStreamStore struct {
	client *natsclient.Client
	kv     jetstream.KeyValue
}

// NewJetStreamStore ensures the stream and KV bucket exist and returns the
// store.
func NewJetStreamStore(ctx context.Context, client *natsclient.Client) (*JetStreamStore, error) {
	js := client.JetStream()

	if _, err := js.Stream(ctx, streamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        streamName,
			Subjects:    []string{fmt.Sprintf("%s.>", subjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			DenyDelete:  true,
			DenyPurge:   true,
			Description: "All relayed conversation messages",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	kv, err := js.KeyValue(ctx, conversationBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      conversationBucket,
			Description: "Conversation records",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation bucket: %w", err)
		}
	}

	return &JetStreamStore{client: client, kv: kv}, nil
}

func messageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, conversationID, role)
}

// CreateConversation persists a new conversation record.
func (s *JetStreamStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Put(ctx, conv.ID, data); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation only when owned by userID.
func (s *JetStreamStore) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	entry, err := s.kv.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}

	if conv.UserID != userID {
		return nil, ErrNotFound
	}

	return &conv, nil
}

// ListConversations returns conversations owned by userID, newest first.
func (s *JetStreamStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var convs []model.Conversation
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var conv model.Conversation
		if err := json.Unmarshal(entry.Value(), &conv); err != nil {
			continue
		}
		if conv.UserID == userID {
			convs = append(convs, conv)
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	return convs, nil
}

// TouchConversation bumps updated_at and optionally sets the title.
func (s *JetStreamStore) TouchConversation(ctx context.Context, conversationID, title string) error {
	entry, err := s.kv.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return fmt.Errorf("failed to unmarshal conversation: %w", err)
	}

	if title != "" {
		conv.Title = title
	}
	conv.UpdatedAt = time.Now()

	data, err := json.Marshal(&conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Put(ctx, conversationID, data); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}
	return nil
}

// AppendMessage publishes one message to the conversation's subject.
func (s *JetStreamStore) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, metadata map[string]any) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := s.client.JetStream().Publish(ctx, messageSubject(conversationID, role), data); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	// An append mutates the conversation; bump its record like the other
	// backends do. A missing record is not an error here.
	if err := s.TouchConversation(ctx, conversationID, ""); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	return msg, nil
}

// TrailingMessages reads the conversation's subjects through an ephemeral
// consumer and keeps the trailing window of limit messages, chronological
// ascending.
func (s *JetStreamStore) TrailingMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: fmt.Sprintf("%s.%s.>", subjectPrefix, conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var window []model.Message
	for {
		batch, err := consumer.Fetch(100, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		count := 0
		for raw := range batch.Messages() {
			count++
			var msg model.Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				continue
			}
			window = append(window, msg)
			if limit > 0 && len(window) > limit {
				window = window[1:]
			}
		}

		if batch.Error() != nil && !errors.Is(batch.Error(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", batch.Error())
		}

		if count < 100 {
			break
		}
	}

	return window, nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *JetStreamStore) Close() {}
