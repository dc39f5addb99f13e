// Package anthropic adapts the Anthropic Messages API to the
// vendor-neutral provider contract.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
)

const (
	// DefaultBaseURL is the Anthropic API root.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	providerName = "anthropic"
	messagesPath = "/messages"
)

// Config configures the adapter.
type Config struct {
	BaseURL     string
	Credentials llm.Credentials
	HTTPClient  *http.Client
	Logger      *logrus.Logger
}

// Provider implements llm.Provider against the Anthropic Messages API.
type Provider struct {
	baseURL    string
	creds      llm.Credentials
	httpClient *http.Client
	logger     *logrus.Logger
}

// New creates an Anthropic provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		// Long default timeout; large completions can take minutes.
		cfg.HTTPClient = &http.Client{Timeout: 300 * time.Second}
	}
	if cfg.Credentials == nil {
		cfg.Credentials = llm.EnvCredentials{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Provider{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		creds:      cfg.Credentials,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
}

// Name returns "anthropic".
func (p *Provider) Name() string { return providerName }

// Wire structures.
type request struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs one blocking message call.
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
		return nil, classifyStatus(resp.StatusCode, body, resp.Header)
	}

	var apiResp response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &llm.TransportError{Provider: providerName, Message: "malformed response body", Err: err}
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &models.ChatResponse{
		ID:           apiResp.ID,
		Model:        env.Model,
		Content:      text.String(),
		FinishReason: mapStopReason(apiResp.StopReason),
		Usage: models.TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// CompleteStream performs a streaming message call over SSE.
func (p *Provider) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	resp, err := p.post(ctx, p.convertRequest(env, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, body, resp.Header)
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

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					send(models.StreamChunk{Done: true})
					return
				}
				send(models.StreamChunk{Done: true, Err: &llm.TransportError{
					Provider: providerName, Message: "stream read failed", Retryable: true, Err: err,
				}})
				return
			}

			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			line = bytes.TrimPrefix(line, []byte("data: "))

			var event streamEvent
			if err := json.Unmarshal(line, &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					if !send(models.StreamChunk{Delta: event.Delta.Text}) {
						return
					}
				}
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				send(models.StreamChunk{Done: true, Err: &llm.TransportError{
					Provider: providerName, Message: msg, Retryable: true,
				}})
				return
			case "message_stop":
				send(models.StreamChunk{Done: true})
				return
			}
		}
	}()

	return ch, nil
}

// HealthCheck sends a minimal one-token message. Anthropic has no
// cheap read-only probe endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	temp := 0.0
	maxTokens := 1
	env := &models.RequestEnvelope{
		ID:       "health-check",
		Model:    providerName + "/claude-3-5-haiku-20241022",
		Provider: providerName,
		Messages: []models.Message{{Role: models.RoleUser, Content: "Hi"}},
		Params:   models.GenerationParams{Temperature: &temp, MaxTokens: &maxTokens},
	}

	_, err := p.Complete(ctx, env)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// convertRequest splits system messages out of the transcript; the
// Messages API takes them as a top-level field.
func (p *Provider) convertRequest(env *models.RequestEnvelope, stream bool) request {
	var system strings.Builder
	msgs := make([]message, 0, len(env.Messages))

	for _, m := range env.Messages {
		if m.Role == models.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		msgs = append(msgs, convertMessage(m))
	}

	maxTokens := 1024
	if env.Params.MaxTokens != nil {
		maxTokens = *env.Params.MaxTokens
	}

	return request{
		Model:         strings.TrimPrefix(env.Model, providerName+"/"),
		Messages:      msgs,
		MaxTokens:     maxTokens,
		System:        system.String(),
		Temperature:   env.Params.Temperature,
		TopP:          env.Params.TopP,
		Stream:        stream,
		StopSequences: env.Params.StopSequences,
	}
}

func convertMessage(m models.Message) message {
	blocks := []contentBlock{{Type: "text", Text: m.Content}}
	for _, att := range m.Attachments {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: att.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}
	return message{Role: string(m.Role), Content: blocks}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func (p *Provider) post(ctx context.Context, apiReq request) (*http.Response, error) {
	key, err := p.creds.APIKey(providerName)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &llm.TransportError{Provider: providerName, Message: "request failed", Retryable: true, Err: err}
	}
	return resp, nil
}

func classifyStatus(status int, body []byte, header http.Header) error {
	msg := errorMessage(body)

	// Anthropic reports overload as 529 in addition to the usual 429.
	if status == http.StatusTooManyRequests || status == 529 {
		rateErr := &llm.RateLimitError{
			TransportError: llm.TransportError{Provider: providerName, StatusCode: status, Message: msg, Retryable: true},
		}
		if after := header.Get("retry-after"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				rateErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rateErr
	}

	return &llm.TransportError{
		Provider:   providerName,
		StatusCode: status,
		Message:    msg,
		Retryable:  llm.RetryableStatusCode(status),
	}
}

func errorMessage(body []byte) string {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
