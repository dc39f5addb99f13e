// Package postgres persists conversations in PostgreSQL through a
// pgx connection pool. Transcript messages live in their own table
// keyed by a serial sequence so ordering survives restarts without
// depending on timestamps.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/models"
)

const pingTimeout = 5 * time.Second

// migrations create the conversation tables. Every statement is
// idempotent so Migrate can run on each startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		attachments JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
		ON conversation_messages (conversation_id, seq)`,
}

// Store is a conversation.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

var _ conversation.Store = (*Store)(nil)

// New connects to PostgreSQL, verifies the connection, and applies the
// schema migrations.
func New(ctx context.Context, dsn string, log *logrus.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool, log: log}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.WithField("backend", "postgres").Info("Conversation store ready")
	return s, nil
}

// NewWithPool wraps an existing pool without connecting or migrating.
func NewWithPool(pool *pgxpool.Pool, log *logrus.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// Migrate applies the schema statements in order.
func (s *Store) Migrate(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, conv *conversation.Conversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, title, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, conv.ID, conv.Title, string(conv.State), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrAlreadyExists
	}

	for _, msg := range conv.Messages {
		if err := insertMessage(ctx, tx, conv.ID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	conv := &conversation.Conversation{}
	var state string

	err := s.pool.QueryRow(ctx, `
		SELECT id, title, state, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&conv.ID, &conv.Title, &state, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conversation.ErrUnknownConversation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.State = conversation.State(state)

	conv.Messages, err = s.messagesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the row so state checks and appends from other connections
	// serialize; within one process the Manager already does this.
	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.ErrUnknownConversation
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if conversation.State(state) == conversation.StateClosed {
		return conversation.ErrConversationClosed
	}

	if err := insertMessage(ctx, tx, id, msg); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, id string, state conversation.State) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET state = $2, updated_at = NOW() WHERE id = $1
	`, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to update conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrUnknownConversation
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	// Messages go with the conversation via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrUnknownConversation
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*conversation.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, state, created_at, updated_at
		FROM conversations
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []*conversation.Conversation{}
	for rows.Next() {
		conv := &conversation.Conversation{}
		var state string
		if err := rows.Scan(&conv.ID, &conv.Title, &state, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conv.State = conversation.State(state)
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation rows: %w", err)
	}

	for _, conv := range out {
		conv.Messages, err = s.messagesFor(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) messagesFor(ctx context.Context, convID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, role, content, attachments, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY seq
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var role string
		var attachments []byte
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &attachments, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = models.Role(role)
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				s.log.WithError(err).WithField("message_id", msg.ID).Warn("Dropping undecodable attachments")
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}
	return messages, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, convID string, msg models.Message) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachments = data
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, convID, string(msg.Role), msg.Content, attachments, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}
