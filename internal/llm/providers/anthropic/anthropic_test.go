package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return New(Config{
		BaseURL:     server.URL,
		Credentials: llm.StaticCredentials{"anthropic": "sk-ant-test"},
		HTTPClient:  server.Client(),
		Logger:      testLogger(),
	})
}

func testEnvelope() *models.RequestEnvelope {
	maxTokens := 200
	return &models.RequestEnvelope{
		ID:       "req-1",
		Model:    "anthropic/claude-3-5-sonnet-20241022",
		Provider: "anthropic",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be terse"},
			{Role: models.RoleUser, Content: "hello"},
		},
		Params: models.GenerationParams{MaxTokens: &maxTokens},
	}
}

func TestComplete_Success(t *testing.T) {
	var gotReq request
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_1",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "hi "},
				{"type": "text", "text": "there"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 4},
		})
	})

	resp, err := p.Complete(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 14, resp.Usage.TotalTokens)

	// System turns move to the top-level field; the transcript keeps
	// only user/assistant turns.
	assert.Equal(t, "be terse", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "claude-3-5-sonnet-20241022", gotReq.Model)
	assert.Equal(t, 200, gotReq.MaxTokens)
}

func TestConvertRequest_MaxTokensFallback(t *testing.T) {
	p := New(Config{Logger: testLogger()})

	env := testEnvelope()
	env.Params.MaxTokens = nil

	req := p.convertRequest(env, false)
	assert.Equal(t, 1024, req.MaxTokens)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "refusal", mapStopReason("refusal"))
}

func TestComplete_OverloadedIsRateLimited(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "3")
		w.WriteHeader(529)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
		})
	})

	_, err := p.Complete(context.Background(), testEnvelope())
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))

	wait, ok := llm.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, wait)
}

func TestComplete_AuthFailureIsTerminal(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "authentication_error", "message": "invalid x-api-key"},
		})
	})

	_, err := p.Complete(context.Background(), testEnvelope())
	require.Error(t, err)
	assert.False(t, llm.IsRetryable(err))

	var transportErr *llm.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "invalid x-api-key", transportErr.Message)
}

func TestCompleteStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: message_start\n" +
				`data: {"type":"message_start"}` + "\n\n" +
				"event: content_block_delta\n" +
				`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}` + "\n\n" +
				"event: content_block_delta\n" +
				`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}` + "\n\n" +
				"event: message_stop\n" +
				`data: {"type":"message_stop"}` + "\n\n",
		))
	})

	ch, err := p.CompleteStream(context.Background(), testEnvelope())
	require.NoError(t, err)

	var deltas []string
	var done bool
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			done = true
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.True(t, done)
}

func TestCompleteStream_ErrorEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: error\n" +
				`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}` + "\n\n",
		))
	})

	ch, err := p.CompleteStream(context.Background(), testEnvelope())
	require.NoError(t, err)

	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "Overloaded")
}

func TestConvertMessage_Attachments(t *testing.T) {
	msg := convertMessage(models.Message{
		Role:    models.RoleUser,
		Content: "what is this",
		Attachments: []models.Attachment{
			{Data: []byte{0xFF, 0xD8}, MIMEType: "image/jpeg"},
		},
	})

	require.Len(t, msg.Content, 2)
	assert.Equal(t, "text", msg.Content[0].Type)
	assert.Equal(t, "image", msg.Content[1].Type)
	require.NotNil(t, msg.Content[1].Source)
	assert.Equal(t, "base64", msg.Content[1].Source.Type)
	assert.Equal(t, "image/jpeg", msg.Content[1].Source.MediaType)
	assert.NotEmpty(t, msg.Content[1].Source.Data)
}

func TestName(t *testing.T) {
	p := New(Config{Logger: testLogger()})
	assert.Equal(t, "anthropic", p.Name())
}
