// Package orchestrator is the facade over the request pipeline: build
// an envelope, execute it with retries, parse the output against the
// requested schema, and record conversation turns. The HTTP layer and
// embedding programs talk to this package only.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/config"
	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/ensemble"
	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
	"dev.sprung.conductor/internal/structured"
)

// ExecuteRequest is one single-model invocation. A non-empty
// ConversationID runs the prompt as the next turn of that transcript.
type ExecuteRequest struct {
	ConversationID string
	Prompt         string
	ModelID        string
	Schema         *structured.Schema
	Params         models.GenerationParams
	Attachments    []models.Attachment
}

// ParallelRequest fans one prompt out to several models and elects a
// winner by vote. An empty Scheme selects the configured default.
type ParallelRequest struct {
	Prompt   string
	ModelIDs []string
	Schema   *structured.Schema
	Params   models.GenerationParams
	Scheme   ensemble.Scheme
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Builder       *llm.Builder
	Client        *llm.Client
	Validator     *structured.Validator
	Conversations *conversation.Manager
	Coordinator   *ensemble.Coordinator
	Timeouts      config.TimeoutConfig
	Ensemble      config.EnsembleConfig
	Logger        *logrus.Logger
}

// Orchestrator executes requests end to end.
type Orchestrator struct {
	builder       *llm.Builder
	client        *llm.Client
	validator     *structured.Validator
	conversations *conversation.Manager
	coordinator   *ensemble.Coordinator
	timeouts      config.TimeoutConfig
	ensembleCfg   config.EnsembleConfig
	log           *logrus.Logger
}

// New builds an Orchestrator.
func New(deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{
		builder:       deps.Builder,
		client:        deps.Client,
		validator:     deps.Validator,
		conversations: deps.Conversations,
		coordinator:   deps.Coordinator,
		timeouts:      deps.Timeouts,
		ensembleCfg:   deps.Ensemble,
		log:           log,
	}
}

// Execute runs one prompt against one model and returns the structured
// result. A parse failure is a result, not an error: the caller gets
// the raw text plus the diagnostic in ParseErr. Errors are reserved for
// requests that produced no model answer at all.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*models.StructuredResult, error) {
	if req.ConversationID != "" {
		return o.executeTurn(ctx, req)
	}

	userMsg := models.Message{
		Role:        models.RoleUser,
		Content:     req.Prompt,
		Attachments: req.Attachments,
	}
	return o.runOne(ctx, req.ModelID, []models.Message{userMsg}, req.Schema, req.Params)
}

// StartConversation creates a conversation seeded with systemPrompt and
// returns its id.
func (o *Orchestrator) StartConversation(ctx context.Context, title, systemPrompt string) (string, error) {
	conv, err := o.conversations.Start(ctx, title, systemPrompt)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// ContinueConversation runs message as the next turn of an existing
// conversation.
func (o *Orchestrator) ContinueConversation(ctx context.Context, conversationID, message, modelID string, schema *structured.Schema) (*models.StructuredResult, error) {
	return o.Execute(ctx, ExecuteRequest{
		ConversationID: conversationID,
		Prompt:         message,
		ModelID:        modelID,
		Schema:         schema,
	})
}

// ExecuteParallel runs one prompt across several models and aggregates
// the outcomes with the requested voting scheme.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, req ParallelRequest) (*ensemble.AggregateResult, error) {
	scheme := req.Scheme
	if scheme == "" {
		scheme = ensemble.Scheme(o.ensembleCfg.Scheme)
	}

	cfg := ensemble.RoundConfig{
		PerModelTimeout: o.timeouts.PerModel,
		RoundTimeout:    o.timeouts.Round,
		MaxInFlight:     int64(o.ensembleCfg.MaxConcurrent),
		Strategy:        ensemble.StrategyFor(scheme),
	}

	userMsg := models.Message{Role: models.RoleUser, Content: req.Prompt}
	run := func(ctx context.Context, modelID string) (*models.StructuredResult, error) {
		return o.execute(ctx, modelID, []models.Message{userMsg}, req.Schema, req.Params)
	}
	return o.coordinator.Run(ctx, cfg, req.ModelIDs, run)
}

// ExecuteStream runs one prompt as a live stream of deltas. The final
// chunk carries the StructuredResult (parsed once the stream finished)
// or the terminal error. Streams are never retried.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req ExecuteRequest) (<-chan models.StreamChunk, error) {
	var history []models.Message
	if req.ConversationID != "" {
		conv, err := o.conversations.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.State == conversation.StateClosed {
			return nil, conversation.ErrConversationClosed
		}
		history = conv.Messages
	}

	userMsg := models.Message{
		Role:        models.RoleUser,
		Content:     req.Prompt,
		Attachments: req.Attachments,
	}

	env, err := o.builder.Build(req.ModelID, append(history, userMsg), req.Schema, req.Params, true)
	if err != nil {
		return nil, err
	}

	upstream, err := o.client.CompleteStream(ctx, env)
	if err != nil {
		return nil, err
	}

	out := make(chan models.StreamChunk)
	go o.relayStream(ctx, req, userMsg, upstream, out)
	return out, nil
}

// relayStream forwards deltas, accumulates the full text, and emits the
// terminal chunk with the parsed result. The transcript is only updated
// after a clean finish: a half-delivered reply would poison later
// turns.
func (o *Orchestrator) relayStream(ctx context.Context, req ExecuteRequest, userMsg models.Message, upstream <-chan models.StreamChunk, out chan<- models.StreamChunk) {
	defer close(out)

	start := time.Now()
	var buf strings.Builder
	for chunk := range upstream {
		if chunk.Err != nil {
			select {
			case out <- models.StreamChunk{Done: true, Err: chunk.Err}:
			case <-ctx.Done():
			}
			return
		}
		if chunk.Done {
			break
		}

		buf.WriteString(chunk.Delta)
		select {
		case out <- models.StreamChunk{Delta: chunk.Delta}:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	result := o.resultFromText(req.ModelID, buf.String(), req.Schema, 1, time.Since(start))

	if req.ConversationID != "" {
		assistant := models.Message{Role: models.RoleAssistant, Content: result.RawText}
		if err := o.conversations.AppendExchange(ctx, req.ConversationID, userMsg, assistant); err != nil {
			select {
			case out <- models.StreamChunk{Done: true, Err: err}:
			case <-ctx.Done():
			}
			return
		}
	}

	select {
	case out <- models.StreamChunk{Done: true, Result: result}:
	case <-ctx.Done():
	}
}

// executeTurn runs one conversation turn: snapshot the transcript, call
// the model, then append the user/assistant pair as one unit. On a
// model failure nothing is appended, so a retried request starts from
// the same transcript.
func (o *Orchestrator) executeTurn(ctx context.Context, req ExecuteRequest) (*models.StructuredResult, error) {
	conv, err := o.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.State == conversation.StateClosed {
		return nil, conversation.ErrConversationClosed
	}

	userMsg := models.Message{
		Role:        models.RoleUser,
		Content:     req.Prompt,
		Attachments: req.Attachments,
	}

	result, err := o.runOne(ctx, req.ModelID, append(conv.Messages, userMsg), req.Schema, req.Params)
	if err != nil {
		return nil, err
	}

	// The raw reply is recorded even when parsing failed: the model
	// did answer, and later turns need what it said.
	assistant := models.Message{Role: models.RoleAssistant, Content: result.RawText}
	if err := o.conversations.AppendExchange(ctx, req.ConversationID, userMsg, assistant); err != nil {
		return nil, err
	}
	return result, nil
}

// runOne is the single-model path: execute bounded by the configured
// per-model window.
func (o *Orchestrator) runOne(ctx context.Context, modelID string, messages []models.Message, schema *structured.Schema, params models.GenerationParams) (*models.StructuredResult, error) {
	callCtx := ctx
	if o.timeouts.PerModel > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeouts.PerModel)
		defer cancel()
	}
	return o.execute(callCtx, modelID, messages, schema, params)
}

// execute performs one build, complete, parse pass under whatever
// deadline ctx already carries.
func (o *Orchestrator) execute(ctx context.Context, modelID string, messages []models.Message, schema *structured.Schema, params models.GenerationParams) (*models.StructuredResult, error) {
	env, err := o.builder.Build(modelID, messages, schema, params, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, attempts, err := o.client.Complete(ctx, env)
	if err != nil {
		return nil, err
	}

	result := o.resultFromText(modelID, resp.Content, schema, attempts, time.Since(start))
	result.Usage = resp.Usage
	return result, nil
}

// resultFromText parses rawText against schema. With no schema the raw
// text is the parsed value.
func (o *Orchestrator) resultFromText(modelID, rawText string, schema *structured.Schema, attempts int, latency time.Duration) *models.StructuredResult {
	result := &models.StructuredResult{
		ModelID:     modelID,
		RawText:     rawText,
		Latency:     latency,
		Attempts:    attempts,
		CompletedAt: time.Now(),
	}

	if schema == nil {
		result.Parsed = rawText
		return result
	}

	parsed, err := o.validator.Validate(rawText, schema)
	if err != nil {
		var parseErr *structured.ParseError
		if !errors.As(err, &parseErr) {
			parseErr = &structured.ParseError{RawText: rawText, Diagnostic: err.Error()}
		}
		result.ParseErr = parseErr
		o.log.WithFields(logrus.Fields{
			"model": modelID,
			"error": err,
		}).Warn("Structured output failed validation")
		return result
	}

	result.Parsed = parsed
	return result
}
