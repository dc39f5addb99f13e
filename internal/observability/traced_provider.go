package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
)

// Span attribute keys, following the OpenTelemetry GenAI semantic
// conventions plus a small conductor namespace.
const (
	AttrGenAISystem        = "gen_ai.system"
	AttrGenAIRequestModel  = "gen_ai.request.model"
	AttrGenAITemperature   = "gen_ai.request.temperature"
	AttrGenAIMaxTokens     = "gen_ai.request.max_tokens" // #nosec G101 -- attribute name, not a credential
	AttrGenAITopP          = "gen_ai.request.top_p"
	AttrGenAIStopSequences = "gen_ai.request.stop_sequences"
	AttrGenAIInputTokens   = "gen_ai.usage.input_tokens"  // #nosec G101
	AttrGenAIOutputTokens  = "gen_ai.usage.output_tokens" // #nosec G101
	AttrGenAIFinishReason  = "gen_ai.response.finish_reason"
	AttrGenAIResponseID    = "gen_ai.response.id"

	AttrRequestID         = "conductor.request.id"
	AttrRequestStructured = "conductor.request.structured"
	AttrStreamChunks      = "conductor.stream.chunks"
)

const tracerName = "dev.sprung.conductor/observability"

// TracedProvider decorates an adapter with spans and per-attempt
// metrics. It wraps each adapter before registration, so every retry
// attempt produces its own span.
type TracedProvider struct {
	inner   llm.Provider
	tracer  trace.Tracer
	metrics *Collector
}

var _ llm.Provider = (*TracedProvider)(nil)

// NewTracedProvider wraps inner. A nil TracerProvider falls back to the
// global one; a nil Collector disables metric recording.
func NewTracedProvider(inner llm.Provider, tp trace.TracerProvider, metrics *Collector) *TracedProvider {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracedProvider{
		inner:   inner,
		tracer:  tp.Tracer(tracerName),
		metrics: metrics,
	}
}

func (p *TracedProvider) Name() string { return p.inner.Name() }

func (p *TracedProvider) HealthCheck(ctx context.Context) error {
	return p.inner.HealthCheck(ctx)
}

// Complete runs one blocking call under a client span.
func (p *TracedProvider) Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
	ctx, span := p.startSpan(ctx, "llm.completion", env)
	start := time.Now()

	resp, err := p.inner.Complete(ctx, env)

	var usage models.TokenUsage
	if resp != nil {
		usage = resp.Usage
		span.SetAttributes(
			attribute.Int(AttrGenAIInputTokens, usage.PromptTokens),
			attribute.Int(AttrGenAIOutputTokens, usage.CompletionTokens),
			attribute.String(AttrGenAIFinishReason, resp.FinishReason),
		)
		if resp.ID != "" {
			span.SetAttributes(attribute.String(AttrGenAIResponseID, resp.ID))
		}
	}

	p.finishSpan(span, err)
	if p.metrics != nil {
		p.metrics.ObserveCompletion(p.inner.Name(), env.Model, time.Since(start), usage, err)
	}
	return resp, err
}

// CompleteStream opens the span when the stream starts and closes it
// when the terminal chunk has been relayed, so the span covers the full
// token delivery rather than just the connection setup.
func (p *TracedProvider) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	ctx, span := p.startSpan(ctx, "llm.completion.stream", env)
	start := time.Now()

	upstream, err := p.inner.CompleteStream(ctx, env)
	if err != nil {
		p.finishSpan(span, err)
		if p.metrics != nil {
			p.metrics.ObserveCompletion(p.inner.Name(), env.Model, time.Since(start), models.TokenUsage{}, err)
		}
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.StreamStarted()
	}

	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		if p.metrics != nil {
			defer p.metrics.StreamEnded()
		}

		var deltas int
		var streamErr error
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			if chunk.Delta != "" {
				deltas++
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				span.SetAttributes(attribute.Int(AttrStreamChunks, deltas))
				p.finishSpan(span, ctx.Err())
				return
			}
			if chunk.Done {
				break
			}
		}

		span.SetAttributes(attribute.Int(AttrStreamChunks, deltas))
		p.finishSpan(span, streamErr)
		if p.metrics != nil {
			p.metrics.ObserveCompletion(p.inner.Name(), env.Model, time.Since(start), models.TokenUsage{}, streamErr)
		}
	}()
	return out, nil
}

func (p *TracedProvider) startSpan(ctx context.Context, name string, env *models.RequestEnvelope) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrGenAISystem, p.inner.Name()),
		attribute.String(AttrGenAIRequestModel, env.Model),
		attribute.String(AttrRequestID, env.ID),
	}
	if env.Params.Temperature != nil {
		attrs = append(attrs, attribute.Float64(AttrGenAITemperature, *env.Params.Temperature))
	}
	if env.Params.MaxTokens != nil {
		attrs = append(attrs, attribute.Int(AttrGenAIMaxTokens, *env.Params.MaxTokens))
	}
	if env.Params.TopP != nil {
		attrs = append(attrs, attribute.Float64(AttrGenAITopP, *env.Params.TopP))
	}
	if len(env.Params.StopSequences) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrGenAIStopSequences, env.Params.StopSequences))
	}
	if env.Schema != nil {
		attrs = append(attrs, attribute.Bool(AttrRequestStructured, true))
	}

	return p.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (p *TracedProvider) finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
