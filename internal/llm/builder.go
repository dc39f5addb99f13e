package llm

import (
	"fmt"

	"github.com/google/uuid"

	"dev.sprung.conductor/internal/config"
	"dev.sprung.conductor/internal/models"
	"dev.sprung.conductor/internal/registry"
	"dev.sprung.conductor/internal/structured"
)

// Builder turns caller input into a validated request envelope: it
// resolves the model against the registry, rejects capability
// mismatches up front, fills unset generation parameters from the
// configured defaults, and renders the schema instruction into the
// outgoing prompt without touching the caller's messages.
type Builder struct {
	registry *registry.Registry
	defaults config.GenerationDefaults
}

// NewBuilder creates a Builder over the given registry and defaults.
func NewBuilder(reg *registry.Registry, defaults config.GenerationDefaults) *Builder {
	return &Builder{registry: reg, defaults: defaults}
}

// Build validates and completes one request. It fails fast with
// registry.ErrUnknownModel or ErrCapabilityMismatch before any network
// traffic happens.
func (b *Builder) Build(model string, messages []models.Message, schema *structured.Schema, params models.GenerationParams, stream bool) (*models.RequestEnvelope, error) {
	info, err := b.registry.Model(model)
	if err != nil {
		return nil, err
	}

	if err := checkCapabilities(info, messages, schema, stream); err != nil {
		return nil, err
	}

	if params.Temperature == nil {
		t := b.defaults.Temperature
		params.Temperature = &t
	}
	if params.MaxTokens == nil {
		m := b.defaults.MaxTokens
		params.MaxTokens = &m
	}
	if info.MaxOutputTokens > 0 && *params.MaxTokens > info.MaxOutputTokens {
		m := info.MaxOutputTokens
		params.MaxTokens = &m
	}

	outgoing := messages
	if schema != nil {
		outgoing = withSchemaInstruction(messages, schema)
	}

	return &models.RequestEnvelope{
		ID:       uuid.NewString(),
		Model:    info.ID,
		Provider: info.Provider,
		Messages: outgoing,
		Schema:   schema,
		Params:   params,
		Stream:   stream,
	}, nil
}

func checkCapabilities(info registry.ModelInfo, messages []models.Message, schema *structured.Schema, stream bool) error {
	caps := info.Capabilities

	if schema != nil && !caps.StructuredOutput {
		return fmt.Errorf("%w: model %q does not support %s", ErrCapabilityMismatch, info.ID, registry.CapabilityStructuredOutput)
	}
	if stream && !caps.Streaming {
		return fmt.Errorf("%w: model %q does not support %s", ErrCapabilityMismatch, info.ID, registry.CapabilityStreaming)
	}
	for _, msg := range messages {
		if msg.HasAttachments() && !caps.ImageInput {
			return fmt.Errorf("%w: model %q does not support %s", ErrCapabilityMismatch, info.ID, registry.CapabilityImageInput)
		}
	}
	return nil
}

// withSchemaInstruction copies messages and appends the JSON-schema
// instruction to the last user message. The caller's slice stays
// untouched so stored transcripts never carry the instruction.
func withSchemaInstruction(messages []models.Message, schema *structured.Schema) []models.Message {
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == models.RoleUser {
			out[i].Content = structured.PromptWithSchema(out[i].Content, schema)
			return out
		}
	}

	// No user message to anchor on; append the instruction as its own
	// user turn.
	return append(out, models.Message{
		Role:    models.RoleUser,
		Content: structured.PromptWithSchema("", schema),
	})
}
