// Package openai adapts the OpenAI chat completions API to the
// vendor-neutral provider contract.
package openai

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
	// DefaultBaseURL is the OpenAI API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	providerName    = "openai"
	completionsPath = "/chat/completions"
	modelsPath      = "/models"
)

// Config configures the adapter.
type Config struct {
	BaseURL     string
	Credentials llm.Credentials
	HTTPClient  *http.Client
	Logger      *logrus.Logger
}

// Provider implements llm.Provider against the OpenAI API. The API key
// is resolved from Credentials on every call and never retained.
type Provider struct {
	baseURL    string
	creds      llm.Credentials
	httpClient *http.Client
	logger     *logrus.Logger
}

// New creates an OpenAI provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
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

// Name returns "openai".
func (p *Provider) Name() string { return providerName }

// Wire structures.
type request struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs one blocking chat completion.
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
	if len(apiResp.Choices) == 0 {
		return nil, &llm.TransportError{Provider: providerName, Message: "response contained no choices"}
	}

	return &models.ChatResponse{
		ID:           apiResp.ID,
		Model:        env.Model,
		Content:      apiResp.Choices[0].Message.Content,
		FinishReason: apiResp.Choices[0].FinishReason,
		Usage: models.TokenUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// CompleteStream performs a streaming chat completion over SSE.
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

			if string(line) == "[DONE]" {
				send(models.StreamChunk{Done: true})
				return
			}

			var event streamResponse
			if err := json.Unmarshal(line, &event); err != nil {
				continue
			}
			if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
				if !send(models.StreamChunk{Delta: event.Choices[0].Delta.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// HealthCheck lists models to verify reachability and credentials.
func (p *Provider) HealthCheck(ctx context.Context) error {
	key, err := p.creds.APIKey(providerName)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+modelsPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)

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
		msgs = append(msgs, convertMessage(m))
	}

	req := request{
		Model:       strings.TrimPrefix(env.Model, providerName+"/"),
		Messages:    msgs,
		Temperature: env.Params.Temperature,
		TopP:        env.Params.TopP,
		MaxTokens:   env.Params.MaxTokens,
		Stop:        env.Params.StopSequences,
		Stream:      stream,
	}
	if env.Schema != nil {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return req
}

// convertMessage renders attachments as data-URL image parts; plain
// text messages stay a bare string for wire compatibility.
func convertMessage(m models.Message) message {
	if !m.HasAttachments() {
		return message{Role: string(m.Role), Content: m.Content}
	}

	parts := []contentPart{{Type: "text", Text: m.Content}}
	for _, att := range m.Attachments {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", att.MIMEType, base64.StdEncoding.EncodeToString(att.Data)),
			},
		})
	}
	return message{Role: string(m.Role), Content: parts}
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &llm.TransportError{Provider: providerName, Message: "request failed", Retryable: true, Err: err}
	}
	return resp, nil
}

// classifyStatus maps a non-200 response onto the transport taxonomy.
func classifyStatus(status int, body []byte, header http.Header) error {
	msg := errorMessage(body)

	if status == http.StatusTooManyRequests {
		rateErr := &llm.RateLimitError{
			TransportError: llm.TransportError{Provider: providerName, StatusCode: status, Message: msg, Retryable: true},
		}
		if after := header.Get("Retry-After"); after != "" {
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
