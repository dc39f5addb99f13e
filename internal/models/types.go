// Package models defines the canonical request/response envelope shared by
// every component. Vendor adapters translate their wire shapes to and from
// these types; nothing downstream of an adapter branches on vendor shape.
package models

import (
	"time"

	"dev.sprung.conductor/internal/structured"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is a binary payload carried by a message, typically an image.
type Attachment struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

// Message is one turn in a conversation. Messages are immutable once
// appended; build a new one rather than mutating in place.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HasAttachments reports whether the message carries binary payloads.
func (m Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// GenerationParams are the tunable sampling parameters for one request.
// Nil pointer fields mean "unset"; the request builder fills them from
// process-wide defaults.
type GenerationParams struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// RequestEnvelope is the provider-agnostic request assembled by the
// request builder. It is built fresh per call and never mutated after
// submission; Messages is a snapshot, not a live view of a conversation.
type RequestEnvelope struct {
	ID       string             `json:"id"`
	Model    string             `json:"model"`
	Provider string             `json:"provider"`
	Messages []Message          `json:"messages"`
	Schema   *structured.Schema `json:"schema,omitempty"`
	Params   GenerationParams   `json:"params"`
	Stream   bool               `json:"stream"`
}

// TokenUsage reports token accounting for one completed call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the canonical completion a provider adapter returns.
type ChatResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	CreatedAt    time.Time  `json:"created_at"`
}

// StreamChunk is one increment of a streaming completion. Delta carries
// incremental text; the terminal chunk has Done set and either Result or
// Err populated. The channel is closed after the terminal chunk.
type StreamChunk struct {
	Delta  string            `json:"delta,omitempty"`
	Done   bool              `json:"done"`
	Result *StructuredResult `json:"result,omitempty"`
	Err    error             `json:"-"`
}

// StructuredResult is the outcome of one completed model call. Exactly
// one of Parsed / ParseErr is populated: either the output conformed to
// the requested schema (or no schema was requested, in which case Parsed
// holds the raw text), or it did not and ParseErr explains why.
type StructuredResult struct {
	ModelID     string                 `json:"model_id"`
	RawText     string                 `json:"raw_text"`
	Parsed      any                    `json:"parsed,omitempty"`
	ParseErr    *structured.ParseError `json:"parse_error,omitempty"`
	Latency     time.Duration          `json:"latency"`
	Attempts    int                    `json:"attempts"`
	Usage       TokenUsage             `json:"usage"`
	CompletedAt time.Time              `json:"completed_at"`
}

// OK reports whether the result carries a successfully parsed value.
func (r *StructuredResult) OK() bool {
	return r != nil && r.ParseErr == nil
}
