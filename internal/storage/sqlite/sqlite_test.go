package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// newTestStore opens a file-backed store in a per-test temp dir so
// tests stay isolated from each other.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "conductor", "conv.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConversation(id string, createdAt time.Time) *conversation.Conversation {
	return &conversation.Conversation{
		ID:        id,
		Title:     "title " + id,
		State:     conversation.StateActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Messages: []models.Message{
			{ID: id + "-m0", Role: models.RoleSystem, Content: "You are terse.", CreatedAt: createdAt},
		},
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := testConversation("conv-1", now)
	conv.Messages[0].Attachments = []models.Attachment{{Data: []byte{0x1, 0x2}, MIMEType: "image/png"}}
	require.NoError(t, s.Create(ctx, conv))

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ID)
	assert.Equal(t, "title conv-1", got.Title)
	assert.Equal(t, conversation.StateActive, got.State)
	assert.WithinDuration(t, now, got.CreatedAt, time.Second)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, models.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "You are terse.", got.Messages[0].Content)
	require.Len(t, got.Messages[0].Attachments, 1)
	assert.Equal(t, []byte{0x1, 0x2}, got.Messages[0].Attachments[0].Data)
	assert.Equal(t, "image/png", got.Messages[0].Attachments[0].MIMEType)
}

func TestCreateDuplicateReturnsAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testConversation("conv-1", time.Now().UTC())))
	err := s.Create(ctx, testConversation("conv-1", time.Now().UTC()))
	require.ErrorIs(t, err, conversation.ErrAlreadyExists)
}

func TestGetUnknownConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, conversation.ErrUnknownConversation)
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, testConversation("conv-1", now)))
	for i := 0; i < 3; i++ {
		msg := models.Message{
			ID:        fmt.Sprintf("m%d", i),
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: now,
		}
		require.NoError(t, s.AppendMessage(ctx, "conv-1", msg))
	}

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("turn %d", i), got.Messages[i+1].Content)
	}
}

func TestAppendToClosedConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testConversation("conv-1", time.Now().UTC())))
	require.NoError(t, s.SetState(ctx, "conv-1", conversation.StateClosed))

	err := s.AppendMessage(ctx, "conv-1", models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
	require.ErrorIs(t, err, conversation.ErrConversationClosed)
}

func TestSetStateUnknownConversation(t *testing.T) {
	s := newTestStore(t)

	err := s.SetState(context.Background(), "missing", conversation.StateClosed)
	require.ErrorIs(t, err, conversation.ErrUnknownConversation)
}

func TestDeleteRemovesConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testConversation("conv-1", time.Now().UTC())))
	require.NoError(t, s.Delete(ctx, "conv-1"))

	_, err := s.Get(ctx, "conv-1")
	require.ErrorIs(t, err, conversation.ErrUnknownConversation)

	require.ErrorIs(t, s.Delete(ctx, "conv-1"), conversation.ErrUnknownConversation)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, testConversation("older", now.Add(-time.Hour))))
	require.NoError(t, s.Create(ctx, testConversation("newer", now)))

	convs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "newer", convs[0].ID)
	assert.Equal(t, "older", convs[1].ID)
}

func TestInMemoryStore(t *testing.T) {
	s, err := New(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testConversation("mem-1", time.Now().UTC())))

	got, err := s.Get(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "mem-1", got.ID)
}

// The driver-failure paths are exercised with sqlmock, since a healthy
// database never produces them.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, testLogger()), mock
}

func TestGetWrapsDriverErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, title, state").
		WillReturnError(fmt.Errorf("disk I/O error"))

	_, err := s.Get(context.Background(), "conv-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, conversation.ErrUnknownConversation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRollsBackWhenMessageInsertFails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO conversations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversation_messages").
		WillReturnError(fmt.Errorf("database is locked"))
	mock.ExpectRollback()

	err := s.Create(context.Background(), testConversation("conv-1", time.Now().UTC()))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
