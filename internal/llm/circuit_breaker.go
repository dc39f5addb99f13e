package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/models"
)

// CircuitState is the state of a provider's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitHalfOpenRejected is returned when the half-open probe
// budget is spent.
var ErrCircuitHalfOpenRejected = errors.New("circuit breaker half-open, request rejected")

// CircuitBreakerConfig configures failure detection and recovery.
type CircuitBreakerConfig struct {
	FailureThreshold    int           // consecutive failures to open
	SuccessThreshold    int           // consecutive half-open successes to close
	OpenTimeout         time.Duration // how long open lasts before probing
	HalfOpenMaxRequests int           // probe budget while half-open
}

// DefaultCircuitBreakerConfig returns the standard thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// StateChangeFunc observes breaker transitions. It is invoked
// synchronously under the breaker's lock and must not block or call
// back into the breaker.
type StateChangeFunc func(provider string, from, to CircuitState)

// CircuitBreaker guards one provider. It implements Provider, so it
// drops in wherever the bare adapter would be used.
type CircuitBreaker struct {
	provider Provider
	config   CircuitBreakerConfig
	logger   *logrus.Logger
	onChange StateChangeFunc

	mu                   sync.RWMutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailure          time.Time
	lastStateChange      time.Time
	totalRequests        int64
	totalFailures        int64
	totalSuccesses       int64
}

// NewCircuitBreaker wraps provider with breaker logic. onChange may be
// nil.
func NewCircuitBreaker(provider Provider, config CircuitBreakerConfig, logger *logrus.Logger, onChange StateChangeFunc) *CircuitBreaker {
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		provider:        provider,
		config:          config,
		logger:          logger,
		onChange:        onChange,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the wrapped provider's name.
func (cb *CircuitBreaker) Name() string { return cb.provider.Name() }

// Complete forwards to the provider when the circuit admits the call.
func (cb *CircuitBreaker) Complete(ctx context.Context, env *models.RequestEnvelope) (*models.ChatResponse, error) {
	if err := cb.beforeRequest(); err != nil {
		return nil, err
	}

	resp, err := cb.provider.Complete(ctx, env)
	cb.afterRequest(err)
	return resp, err
}

// CompleteStream forwards to the provider when the circuit admits the
// call. The stream outcome is recorded once the channel drains: a
// chunk with Err set counts as a failure, anything else as a success.
func (cb *CircuitBreaker) CompleteStream(ctx context.Context, env *models.RequestEnvelope) (<-chan models.StreamChunk, error) {
	if err := cb.beforeRequest(); err != nil {
		return nil, err
	}

	ch, err := cb.provider.CompleteStream(ctx, env)
	if err != nil {
		cb.afterRequest(err)
		return nil, err
	}

	wrapped := make(chan models.StreamChunk)
	go func() {
		defer close(wrapped)
		var streamErr error
		for chunk := range ch {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			wrapped <- chunk
		}
		cb.afterRequest(streamErr)
	}()
	return wrapped, nil
}

// HealthCheck forwards directly; probes bypass the breaker so health
// endpoints stay honest while the circuit is open.
func (cb *CircuitBreaker) HealthCheck(ctx context.Context) error {
	return cb.provider.HealthCheck(ctx)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return ErrCircuitHalfOpenRejected
		}
		cb.halfOpenRequests++
	}
	return nil
}

// afterRequest records the outcome. Cancellation is the caller's doing,
// not the provider's, so it leaves the counters alone.
func (cb *CircuitBreaker) afterRequest(err error) {
	if IsCancelled(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0

	if cb.state == CircuitHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.transitionTo(CircuitClosed)
	}
}

// transitionTo is called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	switch newState {
	case CircuitClosed:
		cb.consecutiveFailures = 0
	case CircuitHalfOpen:
		cb.halfOpenRequests = 0
		cb.consecutiveSuccesses = 0
	}

	cb.logger.WithFields(logrus.Fields{
		"provider": cb.provider.Name(),
		"from":     oldState,
		"to":       newState,
	}).Warn("Circuit breaker state change")

	if cb.onChange != nil {
		cb.onChange(cb.provider.Name(), oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	}
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
}

// CircuitBreakerStats is a point-in-time snapshot for introspection
// endpoints.
type CircuitBreakerStats struct {
	Provider             string       `json:"provider"`
	State                CircuitState `json:"state"`
	TotalRequests        int64        `json:"total_requests"`
	TotalSuccesses       int64        `json:"total_successes"`
	TotalFailures        int64        `json:"total_failures"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastFailure          time.Time    `json:"last_failure,omitempty"`
	LastStateChange      time.Time    `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Provider:             cb.provider.Name(),
		State:                cb.state,
		TotalRequests:        cb.totalRequests,
		TotalSuccesses:       cb.totalSuccesses,
		TotalFailures:        cb.totalFailures,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailure:          cb.lastFailure,
		LastStateChange:      cb.lastStateChange,
	}
}

// BreakerManager holds one breaker per provider.
type BreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	logger   *logrus.Logger
	onChange StateChangeFunc
}

// NewBreakerManager creates a manager; every breaker it builds shares
// config and the onChange hook.
func NewBreakerManager(config CircuitBreakerConfig, logger *logrus.Logger, onChange StateChangeFunc) *BreakerManager {
	return &BreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
		onChange: onChange,
	}
}

// Wrap returns the breaker guarding provider, creating it on first use.
func (bm *BreakerManager) Wrap(provider Provider) *CircuitBreaker {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if cb, ok := bm.breakers[provider.Name()]; ok {
		return cb
	}
	cb := NewCircuitBreaker(provider, bm.config, bm.logger, bm.onChange)
	bm.breakers[provider.Name()] = cb
	return cb
}

// Get returns the breaker for a provider name.
func (bm *BreakerManager) Get(name string) (*CircuitBreaker, bool) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	cb, ok := bm.breakers[name]
	return cb, ok
}

// AllStats returns a snapshot per registered breaker.
func (bm *BreakerManager) AllStats() map[string]CircuitBreakerStats {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(bm.breakers))
	for name, cb := range bm.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// ResetAll forces every breaker closed.
func (bm *BreakerManager) ResetAll() {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	for _, cb := range bm.breakers {
		cb.Reset()
	}
}
