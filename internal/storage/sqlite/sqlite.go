// Package sqlite persists conversations in an embedded SQLite
// database. It suits single-node deployments that want transcripts to
// survive restarts without running an external service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/models"
)

// migrations create the conversation tables. Every statement is
// idempotent so Migrate can run on each startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		attachments BLOB,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
		ON conversation_messages (conversation_id, seq)`,
}

// Store is a conversation.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

var _ conversation.Store = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema
// migrations. An empty path or ":memory:" opens an in-memory database.
func New(ctx context.Context, path string, log *logrus.Logger) (*Store, error) {
	var dsn string
	inMemory := path == "" || path == ":memory:"
	if inMemory {
		dsn = "file::memory:?cache=shared"
	} else {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.WithError(err).Warn("Failed to set pragma")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"backend":   "sqlite",
		"path":      path,
		"in_memory": inMemory,
	}).Info("Conversation store ready")
	return s, nil
}

// NewWithDB wraps an existing handle without opening or migrating.
func NewWithDB(db *sql.DB, log *logrus.Logger) *Store {
	return &Store{db: db, log: log}
}

// Migrate applies the schema statements in order.
func (s *Store) Migrate(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, conv *conversation.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, title, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, string(conv.State), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return conversation.ErrAlreadyExists
	}

	for _, msg := range conv.Messages {
		if err := insertMessage(ctx, tx, conv.ID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	conv := &conversation.Conversation{}
	var state string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, state, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Title, &state, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
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

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, id string, state conversation.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET state = ?, updated_at = ? WHERE id = ?
	`, string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return conversation.ErrUnknownConversation
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Delete messages explicitly so the store does not depend on the
	// foreign_keys pragma having taken effect.
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return conversation.ErrUnknownConversation
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
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

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) messagesFor(ctx context.Context, convID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, attachments, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
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

func insertMessage(ctx context.Context, tx *sql.Tx, convID string, msg models.Message) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachments = data
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, convID, string(msg.Role), msg.Content, attachments, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}
