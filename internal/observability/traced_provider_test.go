package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
)

type stubAdapter struct {
	completeFn func(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error)
	streamFn   func(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error)
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
	return s.completeFn(ctx, env)
}

func (s *stubAdapter) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	return s.streamFn(ctx, env)
}

func (s *stubAdapter) HealthCheck(ctx context.Context) error { return nil }

func newSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, tp
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func fixedStream(chunks ...models.StreamChunk) func(context.Context, *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
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

func TestTracedCompleteRecordsSpan(t *testing.T) {
	recorder, tp := newSpanRecorder(t)
	collector := newTestCollector()

	temp := 0.4
	stub := &stubAdapter{completeFn: func(_ context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
		return &models.ChatResponse{
			ID:           "resp-9",
			Model:        env.Model,
			Content:      "hello",
			FinishReason: "stop",
			Usage:        models.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}, nil
	}}
	traced := NewTracedProvider(stub, tp, collector)

	resp, err := traced.Complete(context.Background(), &models.RequestEnvelope{
		ID:       "req-1",
		Model:    "mock-chat",
		Provider: "stub",
		Params:   models.GenerationParams{Temperature: &temp},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "llm.completion", span.Name())
	assert.Equal(t, trace.SpanKindClient, span.SpanKind())
	assert.Equal(t, codes.Ok, span.Status().Code)

	system, ok := spanAttr(span, AttrGenAISystem)
	require.True(t, ok)
	assert.Equal(t, "stub", system.AsString())
	model, ok := spanAttr(span, AttrGenAIRequestModel)
	require.True(t, ok)
	assert.Equal(t, "mock-chat", model.AsString())
	temperature, ok := spanAttr(span, AttrGenAITemperature)
	require.True(t, ok)
	assert.InDelta(t, 0.4, temperature.AsFloat64(), 0.001)
	inTokens, ok := spanAttr(span, AttrGenAIInputTokens)
	require.True(t, ok)
	assert.Equal(t, int64(10), inTokens.AsInt64())

	count, _ := histogramSamples(t, collector.CompletionLatency.WithLabelValues("stub", "mock-chat"))
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 10.0, counterValue(t, collector.TokensTotal.WithLabelValues("stub", "mock-chat", "prompt")))
}

func TestTracedCompleteRecordsError(t *testing.T) {
	recorder, tp := newSpanRecorder(t)
	collector := newTestCollector()

	stub := &stubAdapter{completeFn: func(context.Context, *models.RequestEnvelope) (*models.ChatResponse, error) {
		return nil, llm.NewTerminalTransport("stub", 500, "backend exploded")
	}}
	traced := NewTracedProvider(stub, tp, collector)

	_, err := traced.Complete(context.Background(), &models.RequestEnvelope{ID: "req-2", Model: "mock-chat"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Status().Description, "backend exploded")

	assert.Equal(t, 1.0, counterValue(t, collector.CompletionErrors.WithLabelValues("stub", "mock-chat", "transport")))
}

func TestTracedStreamSpanCoversDelivery(t *testing.T) {
	recorder, tp := newSpanRecorder(t)
	collector := newTestCollector()

	stub := &stubAdapter{streamFn: fixedStream(
		models.StreamChunk{Delta: "Hello "},
		models.StreamChunk{Delta: "world"},
		models.StreamChunk{Done: true},
	)}
	traced := NewTracedProvider(stub, tp, collector)

	ch, err := traced.CompleteStream(context.Background(), &models.RequestEnvelope{ID: "req-3", Model: "mock-chat", Stream: true})
	require.NoError(t, err)

	var got string
	for chunk := range ch {
		got += chunk.Delta
	}
	assert.Equal(t, "Hello world", got)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "llm.completion.stream", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)
	chunks, ok := spanAttr(span, AttrStreamChunks)
	require.True(t, ok)
	assert.Equal(t, int64(2), chunks.AsInt64())

	assert.Equal(t, 0.0, gaugeValue(t, collector.ActiveStreams))
}

func TestTracedStreamRecordsUpstreamFailure(t *testing.T) {
	recorder, tp := newSpanRecorder(t)
	collector := newTestCollector()

	stub := &stubAdapter{streamFn: fixedStream(
		models.StreamChunk{Delta: "partial"},
		models.StreamChunk{Done: true, Err: llm.NewRetryableTransport("stub", 502, "connection reset")},
	)}
	traced := NewTracedProvider(stub, tp, collector)

	ch, err := traced.CompleteStream(context.Background(), &models.RequestEnvelope{ID: "req-4", Model: "mock-chat", Stream: true})
	require.NoError(t, err)
	for range ch {
	}

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, 1.0, counterValue(t, collector.CompletionErrors.WithLabelValues("stub", "mock-chat", "transport")))
	assert.Equal(t, 0.0, gaugeValue(t, collector.ActiveStreams))
}

func TestTracedStreamSetupFailure(t *testing.T) {
	recorder, tp := newSpanRecorder(t)

	stub := &stubAdapter{streamFn: func(context.Context, *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
		return nil, llm.NewTerminalTransport("stub", 400, "bad request")
	}}
	traced := NewTracedProvider(stub, tp, nil)

	_, err := traced.CompleteStream(context.Background(), &models.RequestEnvelope{ID: "req-5", Model: "mock-chat", Stream: true})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTracedProviderPassthrough(t *testing.T) {
	_, tp := newSpanRecorder(t)
	traced := NewTracedProvider(&stubAdapter{}, tp, nil)

	assert.Equal(t, "stub", traced.Name())
	assert.NoError(t, traced.HealthCheck(context.Background()))
}
