package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamlane/chat-relay/internal/model"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model: the store does not own the pgx pool; the caller closes it,
// and Close is a no-op.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Schema holds the DDL for the relay tables. Applied by deployment tooling,
// not by the store itself.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         UUID PRIMARY KEY,
	user_id    TEXT NOT NULL,
	persona    TEXT NOT NULL DEFAULT 'default',
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations (id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at);
`

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// CreateConversation persists a new conversation record.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, persona, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.UserID, conv.Persona, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation only when owned by userID. The
// ownership predicate is part of the query so a foreign conversation is
// indistinguishable from a missing one.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, persona, title, created_at, updated_at
		 FROM conversations WHERE id = $1 AND user_id = $2`,
		conversationID, userID,
	)

	var conv model.Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Persona, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns conversations owned by userID, newest first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, persona, title, created_at, updated_at
		 FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Persona, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// TouchConversation bumps updated_at and optionally sets the title.
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID, title string) error {
	var err error
	if title != "" {
		_, err = s.pool.Exec(ctx,
			`UPDATE conversations SET title = $2, updated_at = $3 WHERE id = $1`,
			conversationID, title, time.Now().UTC(),
		)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
			conversationID, time.Now().UTC(),
		)
	}
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// AppendMessage persists one message and returns the stored record.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, role model.Role, content string, metadata map[string]any) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}

	var meta []byte
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, meta, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		conversationID, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	return msg, nil
}

// TrailingMessages returns up to limit most recent messages, chronological
// ascending. A non-positive limit returns the whole conversation, matching
// the other backends.
func (s *PostgresStore) TrailingMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, role, content, metadata, created_at FROM (
				SELECT id, conversation_id, role, content, metadata, created_at
				FROM messages WHERE conversation_id = $1
				ORDER BY created_at DESC LIMIT $2
			 ) tail ORDER BY created_at ASC`,
			conversationID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, role, content, metadata, created_at
			 FROM messages WHERE conversation_id = $1
			 ORDER BY created_at ASC`,
			conversationID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var msg model.Message
		var meta []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() {}
