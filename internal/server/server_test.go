package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"dev.sprung.conductor/internal/middleware"
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
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            "127.0.0.1:0",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: time.Second,
		},
		RateLimit: config.RateLimitConfig{Requests: 1000, Window: time.Minute},
	}
}

// newTestServer wires a full server over a scriptable provider and
// registers a cleanup that releases its background resources.
func newTestServer(t *testing.T, cfg *config.Config, provider *mockProvider) *Server {
	t.Helper()
	log := testLogger()

	reg := registry.NewStatic(testModels(), log)
	providers := llm.NewProviderRegistry(provider)
	breakers := llm.NewBreakerManager(llm.DefaultCircuitBreakerConfig(), log, nil)
	retry := llm.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	client := llm.NewClient(providers, breakers, llm.NewRetryer(retry, log), 0, log)
	manager := conversation.NewManager(conversation.NewMemoryStore(), nil, log)

	orch := orchestrator.New(orchestrator.Deps{
		Builder:       llm.NewBuilder(reg, config.GenerationDefaults{Temperature: 0.2, MaxTokens: 512}),
		Client:        client,
		Validator:     structured.NewValidator(log),
		Conversations: manager,
		Coordinator:   ensemble.NewCoordinator(log),
		Timeouts:      config.TimeoutConfig{},
		Ensemble:      config.EnsembleConfig{Scheme: "plurality"},
		Logger:        log,
	})

	srv, err := New(Deps{
		Config:        cfg,
		Orchestrator:  orch,
		Conversations: manager,
		Registry:      reg,
		Client:        client,
		Metrics:       observability.NewCollector(nil),
		Logger:        log,
	}, WithGinMode(gin.TestMode))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return srv
}

func doGet(srv *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func doPost(t *testing.T, srv *Server, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestServerServesRoutes(t *testing.T) {
	provider := &mockProvider{completeFn: reply("Hello.")}
	srv := newTestServer(t, testConfig(), provider)

	w := doGet(srv, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(srv, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "mock-chat")

	w = doPost(t, srv, "/v1/complete", map[string]any{"prompt": "Say hello.", "model": "mock-chat"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http_requests_total")
}

func TestAuthGuardsV1Routes(t *testing.T) {
	digest, err := middleware.HashAPIKey("sk-test-123")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Auth.APIKeyDigests = []string{digest}

	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, cfg, provider)

	w := doGet(srv, "/v1/models", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Health and metrics stay open.
	w = doGet(srv, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doGet(srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(srv, "/v1/models", map[string]string{"X-API-Key": "sk-test-123"})
	require.Equal(t, http.StatusOK, w.Code)

	// A wrong key is rejected outright, not treated as anonymous.
	w = doGet(srv, "/v1/models", map[string]string{"X-API-Key": "sk-wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "test-secret"

	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, cfg, provider)

	minter, err := middleware.NewAuthMiddleware(middleware.AuthConfig{SecretKey: "test-secret"}, testLogger())
	require.NoError(t, err)
	token, err := minter.GenerateToken("u-1", "tester", "user")
	require.NoError(t, err)

	w := doGet(srv, "/v1/models", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(srv, "/v1/models", map[string]string{"Authorization": "Bearer not-a-token"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitCapsV1Requests(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Requests: 3, Window: time.Minute}

	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, cfg, provider)

	for i := 0; i < 3; i++ {
		w := doGet(srv, "/v1/models", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := doGet(srv, "/v1/models", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health sits outside the limited group.
	w = doGet(srv, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestValidationRejectsBeforeHandler(t *testing.T) {
	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, testConfig(), provider)

	w := doPost(t, srv, "/v1/complete", map[string]any{"model": "mock-chat"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "validation_error", resp.Error.Code)
	require.Zero(t, provider.callCount(), "request must die before reaching the provider")
}

func TestFanoutValidationRejectsDuplicates(t *testing.T) {
	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, testConfig(), provider)

	w := doPost(t, srv, "/v1/parallel", map[string]any{
		"prompt": "Pick one.",
		"models": []string{"mock-chat", "mock-chat"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, provider.callCount())
}

func TestStreamBypassesCompression(t *testing.T) {
	provider := &mockProvider{
		streamFn: streamOf(
			models.StreamChunk{Delta: "Hello"},
			models.StreamChunk{Delta: " world"},
			models.StreamChunk{Done: true},
		),
	}
	srv := newTestServer(t, testConfig(), provider)

	w := doPost(t, srv, "/v1/complete/stream",
		map[string]any{"prompt": "Say hello.", "model": "mock-chat"},
		map[string]string{"Accept-Encoding": "br, gzip"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"), "SSE must never be buffered for compression")
	require.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	require.Contains(t, w.Body.String(), `"delta":"Hello"`)
	require.Contains(t, w.Body.String(), "data: [DONE]")
}

func TestStreamedTurnBypassesCompression(t *testing.T) {
	provider := &mockProvider{
		streamFn: streamOf(
			models.StreamChunk{Delta: "All"},
			models.StreamChunk{Delta: " done"},
			models.StreamChunk{Done: true},
		),
	}
	srv := newTestServer(t, testConfig(), provider)

	w := doPost(t, srv, "/v1/conversations", map[string]any{"title": "stream"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var conv struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))

	w = doPost(t, srv, "/v1/conversations/"+conv.ID+"/messages",
		map[string]any{"message": "Go.", "model": "mock-chat", "stream": true},
		map[string]string{"Accept-Encoding": "gzip"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	require.Contains(t, w.Body.String(), "data: [DONE]")
}

func TestStatsCountRequests(t *testing.T) {
	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, testConfig(), provider)

	for i := 0; i < 5; i++ {
		doGet(srv, "/health", nil)
	}

	st := srv.Stats()
	require.False(t, st.Running)
	require.EqualValues(t, 5, st.Requests)
}

func TestStartAndShutdown(t *testing.T) {
	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, testConfig(), provider)

	require.NoError(t, srv.Start())
	require.True(t, srv.IsRunning())
	require.NotEmpty(t, srv.Addr())
	require.Error(t, srv.Start(), "second start must be refused")

	// The bound listener answers real requests.
	httpClient := &http.Client{Timeout: 2 * time.Second}
	defer httpClient.CloseIdleConnections()
	resp, err := httpClient.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := srv.Stats()
	require.True(t, st.Running)
	require.False(t, st.StartedAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.False(t, srv.IsRunning())
}

func TestStartRefusesTakenPort(t *testing.T) {
	provider := &mockProvider{completeFn: reply("ok")}
	srv := newTestServer(t, testConfig(), provider)
	require.NoError(t, srv.Start())

	cfg := testConfig()
	cfg.Server.Addr = srv.Addr()
	other := newTestServer(t, cfg, provider)
	require.Error(t, other.Start(), "bind conflict must surface synchronously")
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
