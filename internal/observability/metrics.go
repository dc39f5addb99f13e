package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/models"
)

// Collector holds the Prometheus instruments for the whole pipeline.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	RequestDuration *prometheus.HistogramVec
	RequestCount    *prometheus.CounterVec

	// Model calls
	CompletionLatency *prometheus.HistogramVec
	CompletionErrors  *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	RetryAttempts     *prometheus.HistogramVec
	ParseFailures     *prometheus.CounterVec

	// Ensemble rounds
	RoundDuration *prometheus.HistogramVec
	RoundWins     *prometheus.CounterVec

	// Resilience
	BreakerState  *prometheus.GaugeVec
	ActiveStreams prometheus.Gauge
}

// NewCollector builds and registers the instrument set. A nil registry
// gets a fresh private one, which keeps repeated construction (tests,
// embedded use) free of duplicate-registration panics.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		CompletionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_completion_latency_seconds",
				Help:    "Model completion latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		CompletionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_completion_errors_total",
				Help: "Model completion failures by error kind",
			},
			[]string{"provider", "model", "kind"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Tokens consumed, split by direction",
			},
			[]string{"provider", "model", "direction"},
		),
		RetryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_completion_attempts",
				Help:    "Attempts per completed call, including the successful one",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"model"},
		),
		ParseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "structured_parse_failures_total",
				Help: "Model outputs that failed schema validation",
			},
			[]string{"model"},
		),

		RoundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_round_duration_seconds",
				Help:    "Wall-clock duration of ensemble rounds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"scheme"},
		),
		RoundWins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_wins_total",
				Help: "Ensemble rounds won, by model",
			},
			[]string{"model"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "llm_active_streams",
				Help: "Streaming completions currently in flight",
			},
		),
	}

	registry.MustRegister(
		c.RequestDuration,
		c.RequestCount,
		c.CompletionLatency,
		c.CompletionErrors,
		c.TokensTotal,
		c.RetryAttempts,
		c.ParseFailures,
		c.RoundDuration,
		c.RoundWins,
		c.BreakerState,
		c.ActiveStreams,
	)

	return c
}

// Handler serves the collector's registry in Prometheus exposition
// format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, route string, status int, duration time.Duration) {
	s := strconv.Itoa(status)
	c.RequestDuration.WithLabelValues(method, route, s).Observe(duration.Seconds())
	c.RequestCount.WithLabelValues(method, route, s).Inc()
}

// ObserveCompletion records one finished provider call, successful or
// not. Called once per attempt, so retries show up individually.
func (c *Collector) ObserveCompletion(provider, model string, duration time.Duration, usage models.TokenUsage, err error) {
	c.CompletionLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
	if usage.PromptTokens > 0 {
		c.TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
	}
	if err != nil {
		c.CompletionErrors.WithLabelValues(provider, model, errorKind(err)).Inc()
	}
}

// ObserveResult records the request-level outcome of one structured
// call: how many attempts it took and whether parsing failed.
func (c *Collector) ObserveResult(result *models.StructuredResult) {
	if result == nil {
		return
	}
	if result.Attempts > 0 {
		c.RetryAttempts.WithLabelValues(result.ModelID).Observe(float64(result.Attempts))
	}
	if result.ParseErr != nil {
		c.ParseFailures.WithLabelValues(result.ModelID).Inc()
	}
}

// ObserveRound records one completed ensemble round.
func (c *Collector) ObserveRound(scheme, winnerModel string, duration time.Duration) {
	c.RoundDuration.WithLabelValues(scheme).Observe(duration.Seconds())
	if winnerModel != "" {
		c.RoundWins.WithLabelValues(winnerModel).Inc()
	}
}

// StreamStarted and StreamEnded bracket one streaming completion.
func (c *Collector) StreamStarted() { c.ActiveStreams.Inc() }
func (c *Collector) StreamEnded()   { c.ActiveStreams.Dec() }

// BreakerStateHook returns a StateChangeFunc that mirrors breaker
// transitions into the state gauge. Plug it into the BreakerManager.
func (c *Collector) BreakerStateHook() llm.StateChangeFunc {
	return func(provider string, _, to llm.CircuitState) {
		c.BreakerState.WithLabelValues(provider).Set(breakerStateValue(to))
	}
}

func breakerStateValue(s llm.CircuitState) float64 {
	switch s {
	case llm.CircuitHalfOpen:
		return 1
	case llm.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// errorKind buckets a failure for the error counter. Context errors are
// checked before the transport taxonomy because a deadline often
// arrives wrapped in one.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, llm.ErrCircuitOpen), errors.Is(err, llm.ErrCircuitHalfOpenRejected):
		return "breaker_open"
	}

	var rateLimit *llm.RateLimitError
	if errors.As(err, &rateLimit) {
		return "rate_limit"
	}
	var exhausted *llm.RetryExhaustedError
	if errors.As(err, &exhausted) {
		return "retry_exhausted"
	}
	var transport *llm.TransportError
	if errors.As(err, &transport) {
		return "transport"
	}
	return "internal"
}
