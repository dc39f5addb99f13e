// Package ollama adapts a local Ollama daemon's chat API to the
// vendor-neutral provider contract. Ollama needs no credentials.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
)

const (
	// DefaultBaseURL is the local Ollama daemon address.
	DefaultBaseURL = "http://localhost:11434"

	providerName = "ollama"
	chatPath     = "/api/chat"
	tagsPath     = "/api/tags"
)

// Config configures the adapter.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Provider implements llm.Provider against a local Ollama daemon.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// New creates an Ollama provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		// Cold model loads can take a while.
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Provider{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Name returns "ollama".
func (p *Provider) Name() string { return providerName }

// Wire structures.
type request struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"`
	Options  options   `json:"options,omitempty"`
}

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type response struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// Complete performs one blocking chat call.
func (p *Provider) Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
	resp, err := p.post(ctx, p.convertRequest(env, false))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.TransportError{Provider: providerName, Message: "failed to read response", Retryable: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var apiResp response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &llm.TransportError{Provider: providerName, Message: "malformed response body", Err: err}
	}

	return &models.ChatResponse{
		ID:           env.ID,
		Model:        env.Model,
		Content:      apiResp.Message.Content,
		FinishReason: mapDoneReason(apiResp.DoneReason),
		Usage: models.TokenUsage{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
		CreatedAt: time.Now(),
	}, nil
}

// CompleteStream performs a streaming chat call. Ollama streams
// newline-delimited JSON objects rather than SSE.
func (p *Provider) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	resp, err := p.post(ctx, p.convertRequest(env, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, body)
	}

	ch := make(chan models.StreamChunk)
	go func() {
		defer func() { _ = resp.Body.Close() }()
		defer close(ch)

		send := func(chunk models.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		dec := json.NewDecoder(resp.Body)
		for {
			var event response
			if err := dec.Decode(&event); err != nil {
				if err == io.EOF {
					send(models.StreamChunk{Done: true})
					return
				}
				send(models.StreamChunk{Done: true, Err: &llm.TransportError{
					Provider: providerName, Message: "stream decode failed", Retryable: true, Err: err,
				}})
				return
			}

			if event.Message.Content != "" {
				if !send(models.StreamChunk{Delta: event.Message.Content}) {
					return
				}
			}
			if event.Done {
				send(models.StreamChunk{Done: true})
				return
			}
		}
	}()

	return ch, nil
}

// HealthCheck lists local models to verify the daemon is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+tagsPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &llm.TransportError{Provider: providerName, Message: "health check failed", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &llm.TransportError{Provider: providerName, StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (p *Provider) convertRequest(env *models.RequestEnvelope, stream bool) request {
	msgs := make([]message, 0, len(env.Messages))
	for _, m := range env.Messages {
		wire := message{Role: string(m.Role), Content: m.Content}
		for _, att := range m.Attachments {
			wire.Images = append(wire.Images, base64.StdEncoding.EncodeToString(att.Data))
		}
		msgs = append(msgs, wire)
	}

	req := request{
		Model:    strings.TrimPrefix(env.Model, providerName+"/"),
		Messages: msgs,
		Stream:   stream,
		Options: options{
			Temperature: env.Params.Temperature,
			TopP:        env.Params.TopP,
			NumPredict:  env.Params.MaxTokens,
			Stop:        env.Params.StopSequences,
		},
	}
	if env.Schema != nil {
		req.Format = "json"
	}
	return req
}

func mapDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return reason
	}
}

func (p *Provider) post(ctx context.Context, apiReq request) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &llm.TransportError{Provider: providerName, Message: "request failed", Retryable: true, Err: err}
	}
	return resp, nil
}

func classifyStatus(status int, body []byte) error {
	msg := string(body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}

	return &llm.TransportError{
		Provider:   providerName,
		StatusCode: status,
		Message:    msg,
		Retryable:  llm.RetryableStatusCode(status),
	}
}
