package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"dev.sprung.conductor/internal/config"
	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/ensemble"
	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
	"dev.sprung.conductor/internal/observability"
	"dev.sprung.conductor/internal/orchestrator"
	"dev.sprung.conductor/internal/registry"
	"dev.sprung.conductor/internal/structured"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// mockProvider is a scriptable adapter shared by the handler tests.
type mockProvider struct {
	completeFn func(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error)
	streamFn   func(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error)

	mu    sync.Mutex
	calls int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.completeFn(ctx, env)
}

func (m *mockProvider) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.streamFn(ctx, env)
}

func (m *mockProvider) HealthCheck(ctx context.Context) error { return nil }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func reply(content string) func(context.Context, *models.RequestEnvelope) (*models.ChatResponse, error) {
	return func(_ context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
		return &models.ChatResponse{
			ID:        "resp-1",
			Model:     env.Model,
			Content:   content,
			Usage:     models.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
			CreatedAt: time.Now(),
		}, nil
	}
}

func streamOf(chunks ...models.StreamChunk) func(context.Context, *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	return func(ctx context.Context, _ *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
		out := make(chan models.StreamChunk)
		go func() {
			defer close(out)
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}

func testModels() []registry.ModelInfo {
	full := registry.CapabilitySet{Text: true, StructuredOutput: true, ImageInput: true, Streaming: true}
	return []registry.ModelInfo{
		{ID: "mock-chat", Provider: "mock", Name: "Mock Chat", Capabilities: full, ContextWindow: 128000, MaxOutputTokens: 4096},
		{ID: "mock-alt", Provider: "mock", Name: "Mock Alt", Capabilities: full, ContextWindow: 128000, MaxOutputTokens: 4096},
		{ID: "mock-basic", Provider: "mock", Name: "Mock Basic", Capabilities: registry.CapabilitySet{Text: true}, ContextWindow: 8192, MaxOutputTokens: 1024},
	}
}

// rig is a fully wired API over a scriptable provider, mounted the way
// the server mounts it but without the outer middleware chain.
type rig struct {
	provider *mockProvider
	manager  *conversation.Manager
	registry *registry.Registry
	client   *llm.Client
	engine   *gin.Engine
}

func newRig(t *testing.T, provider *mockProvider) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger()

	reg := registry.NewStatic(testModels(), log)
	providers := llm.NewProviderRegistry(provider)
	breakers := llm.NewBreakerManager(llm.DefaultCircuitBreakerConfig(), log, nil)
	retry := llm.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	client := llm.NewClient(providers, breakers, llm.NewRetryer(retry, log), 0, log)
	manager := conversation.NewManager(conversation.NewMemoryStore(), nil, log)

	orch := orchestrator.New(orchestrator.Deps{
		Builder:       llm.NewBuilder(reg, config.GenerationDefaults{Temperature: 0.2, MaxTokens: 1024}),
		Client:        client,
		Validator:     structured.NewValidator(log),
		Conversations: manager,
		Coordinator:   ensemble.NewCoordinator(log),
		Timeouts:      config.TimeoutConfig{},
		Ensemble:      config.EnsembleConfig{Scheme: "plurality"},
		Logger:        log,
	})

	metrics := observability.NewCollector(nil)
	completions := NewCompletionHandler(orch, metrics, log)
	conversations := NewConversationHandler(orch, manager, metrics, log)
	catalog := NewCatalogHandler(reg)
	health := NewHealthHandler(client, reg)

	engine := gin.New()
	engine.GET("/health", health.Health)
	v1 := engine.Group("/v1")
	{
		v1.POST("/complete", completions.Complete)
		v1.POST("/complete/stream", completions.CompleteStream)
		v1.GET("/complete/ws", completions.CompleteWS)
		v1.POST("/parallel", completions.Parallel)
		v1.POST("/conversations", conversations.Create)
		v1.GET("/conversations", conversations.List)
		v1.GET("/conversations/:id", conversations.Get)
		v1.POST("/conversations/:id/messages", conversations.SendMessage)
		v1.POST("/conversations/:id/close", conversations.Close)
		v1.DELETE("/conversations/:id", conversations.Delete)
		v1.GET("/models", catalog.ListModels)
		v1.GET("/models/:id", catalog.GetModel)
	}

	return &rig{provider: provider, manager: manager, registry: reg, client: client, engine: engine}
}

func (r *rig) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func (r *rig) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func (r *rig) delete(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodDelete, path, nil)
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func errorKindOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeJSON[ErrorResponse](t, w)
	return resp.Error.Kind
}

// parseSSE splits an SSE body into its decoded frames and reports
// whether the [DONE] sentinel terminated the stream.
func parseSSE(t *testing.T, body string) ([]streamFrame, bool) {
	t.Helper()
	var frames []streamFrame
	sawDone := false
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var frame streamFrame
		require.NoError(t, json.Unmarshal([]byte(payload), &frame), "frame: %s", payload)
		frames = append(frames, frame)
	}
	return frames, sawDone
}
