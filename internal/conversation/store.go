// Package conversation manages multi-turn transcripts: ordered message
// histories with a lifecycle state, persisted through a pluggable Store
// backend. Appends to one conversation are strictly serialized so the
// transcript total-orders concurrent writers.
package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"dev.sprung.conductor/internal/models"
)

// Lifecycle errors.
var (
	// ErrUnknownConversation reports an id absent from the store.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrConversationClosed reports a write to a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")

	// ErrAlreadyExists reports a Create with a duplicate id.
	ErrAlreadyExists = errors.New("conversation already exists")
)

// State is the lifecycle state of a conversation.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Conversation is one transcript with its lifecycle state.
type Conversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title,omitempty"`
	Messages  []models.Message `json:"messages"`
	State     State            `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers can read without aliasing store
// internals.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = make([]models.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}

// Store persists conversations. Implementations must be safe for
// concurrent use; ordering guarantees are provided by the Manager,
// which serializes writes per conversation.
type Store interface {
	// Create persists a new conversation, failing with
	// ErrAlreadyExists on id collision.
	Create(ctx context.Context, conv *Conversation) error

	// Get returns a copy of the conversation, or
	// ErrUnknownConversation.
	Get(ctx context.Context, id string) (*Conversation, error)

	// AppendMessage appends msg to the transcript, failing with
	// ErrConversationClosed when the conversation is closed.
	AppendMessage(ctx context.Context, id string, msg models.Message) error

	// SetState transitions the conversation's lifecycle state.
	SetState(ctx context.Context, id string, state State) error

	// Delete removes the conversation entirely.
	Delete(ctx context.Context, id string) error

	// List returns copies of all conversations, newest first.
	List(ctx context.Context) ([]*Conversation, error)

	// Close releases backend resources.
	Close() error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*Conversation)}
}

func (s *MemoryStore) Create(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conv.ID]; ok {
		return ErrAlreadyExists
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrUnknownConversation
	}
	if conv.State == StateClosed {
		return ErrConversationClosed
	}

	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetState(ctx context.Context, id string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrUnknownConversation
	}
	conv.State = state
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrUnknownConversation
	}
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
