package llm

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/models"
)

// Client routes envelopes to provider adapters and runs blocking calls
// under the retry executor. Every adapter is wrapped in its circuit
// breaker, so repeated provider failures shed load before the retry
// loop even starts.
type Client struct {
	providers  *Registry
	breakers   *BreakerManager
	retryer    *Retryer
	perAttempt time.Duration
	logger     *logrus.Logger
}

// NewClient builds a Client. perAttempt bounds each individual provider
// call; zero disables the per-attempt deadline.
func NewClient(providers *Registry, breakers *BreakerManager, retryer *Retryer, perAttempt time.Duration, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		providers:  providers,
		breakers:   breakers,
		retryer:    retryer,
		perAttempt: perAttempt,
		logger:     logger,
	}
}

// Complete executes env against its provider, retrying transient
// failures. The int return is the number of attempts made, including
// the successful one.
func (c *Client) Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, int, error) {
	provider, err := c.resolve(env.Provider)
	if err != nil {
		return nil, 0, err
	}

	var (
		resp     *models.ChatResponse
		attempts int
	)
	label := env.Provider + "/" + env.Model

	err = c.retryer.Do(ctx, label, func(ctx context.Context) error {
		attempts++
		attemptCtx := ctx
		if c.perAttempt > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.perAttempt)
			defer cancel()
		}

		r, callErr := provider.Complete(attemptCtx, env)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}

// CompleteStream executes env as a stream. Streams are never retried:
// once tokens have been handed to the caller the call is not
// idempotent, so a mid-stream failure surfaces as a chunk with Err set
// and the caller decides whether to reissue.
func (c *Client) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	provider, err := c.resolve(env.Provider)
	if err != nil {
		return nil, err
	}
	return provider.CompleteStream(ctx, env)
}

// Health probes every registered provider and returns a map of
// provider name to probe error (nil when healthy).
func (c *Client) Health(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, name := range c.providers.Names() {
		p, err := c.providers.Get(name)
		if err != nil {
			out[name] = err
			continue
		}
		out[name] = p.HealthCheck(ctx)
	}
	return out
}

// BreakerStats exposes circuit breaker snapshots for introspection.
func (c *Client) BreakerStats() map[string]CircuitBreakerStats {
	return c.breakers.AllStats()
}

// resolve returns the breaker-wrapped adapter for a provider name.
func (c *Client) resolve(name string) (Provider, error) {
	p, err := c.providers.Get(name)
	if err != nil {
		return nil, err
	}
	if c.breakers == nil {
		return p, nil
	}
	return c.breakers.Wrap(p), nil
}
