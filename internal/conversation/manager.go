package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/models"
)

// Manager is the conversation API used by the orchestrator and the
// HTTP layer. It serializes writes per conversation: two goroutines
// appending to the same transcript take turns, so the stored order is
// a total order of completed appends.
type Manager struct {
	store     Store
	publisher Publisher
	logger    *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a Manager over store. publisher may be nil, which
// selects NopPublisher.
func NewManager(store Store, publisher Publisher, logger *logrus.Logger) *Manager {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Start creates a new active conversation. A non-empty systemPrompt
// becomes the opening system message.
func (m *Manager) Start(ctx context.Context, title, systemPrompt string) (*Conversation, error) {
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if systemPrompt != "" {
		conv.Messages = []models.Message{{
			ID:        uuid.NewString(),
			Role:      models.RoleSystem,
			Content:   systemPrompt,
			CreatedAt: now,
		}}
	}

	if err := m.store.Create(ctx, conv); err != nil {
		return nil, err
	}

	m.publish(ctx, Event{
		ID:             uuid.NewString(),
		Type:           EventCreated,
		ConversationID: conv.ID,
		State:          StateActive,
		OccurredAt:     now,
	})
	return conv.Clone(), nil
}

// Get returns a copy of the conversation.
func (m *Manager) Get(ctx context.Context, id string) (*Conversation, error) {
	return m.store.Get(ctx, id)
}

// History returns a copy of the transcript messages.
func (m *Manager) History(ctx context.Context, id string) ([]models.Message, error) {
	conv, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Append adds one message to the transcript. Concurrent appends to the
// same conversation are serialized; each caller observes the transcript
// as of its own turn. The message id and timestamp are filled when
// unset.
func (m *Manager) Append(ctx context.Context, id string, msg models.Message) (models.Message, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := m.store.AppendMessage(ctx, id, msg); err != nil {
		return models.Message{}, err
	}

	m.publish(ctx, Event{
		ID:             uuid.NewString(),
		Type:           EventMessage,
		ConversationID: id,
		Message:        &msg,
		OccurredAt:     msg.CreatedAt,
	})
	return msg, nil
}

// AppendExchange appends a user message and the assistant reply as one
// serialized unit, so no other writer can interleave between them.
func (m *Manager) AppendExchange(ctx context.Context, id string, user, assistant models.Message) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	for _, msg := range []*models.Message{&user, &assistant} {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		if err := m.store.AppendMessage(ctx, id, *msg); err != nil {
			return err
		}
		m.publish(ctx, Event{
			ID:             uuid.NewString(),
			Type:           EventMessage,
			ConversationID: id,
			Message:        msg,
			OccurredAt:     msg.CreatedAt,
		})
	}
	return nil
}

// Close transitions the conversation to closed. Pending appends
// holding the lock finish first; later appends fail with
// ErrConversationClosed.
func (m *Manager) Close(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.SetState(ctx, id, StateClosed); err != nil {
		return err
	}

	m.publish(ctx, Event{
		ID:             uuid.NewString(),
		Type:           EventClosed,
		ConversationID: id,
		State:          StateClosed,
		OccurredAt:     time.Now(),
	})
	return nil
}

// Delete removes the conversation and its per-id lock.
func (m *Manager) Delete(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()

	m.publish(ctx, Event{
		ID:             uuid.NewString(),
		Type:           EventDeleted,
		ConversationID: id,
		OccurredAt:     time.Now(),
	})
	return nil
}

// List returns all conversations, newest first.
func (m *Manager) List(ctx context.Context) ([]*Conversation, error) {
	return m.store.List(ctx)
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// publish is best effort: a broker outage must not fail the append.
func (m *Manager) publish(ctx context.Context, event Event) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WithFields(logrus.Fields{
			"event":        event.Type,
			"conversation": event.ConversationID,
			"error":        err,
		}).Warn("Failed to publish conversation event")
	}
}
