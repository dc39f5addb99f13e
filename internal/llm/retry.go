package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig controls the retry executor. MaxAttempts is the total
// number of calls including the first; the default of 3 yields at most
// two delayed retries.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryConfig returns the standard backoff policy: 3 attempts,
// 1s initial delay doubling up to 30s, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Retryer runs operations under the retry policy.
type Retryer struct {
	config RetryConfig
	logger *logrus.Logger
}

// NewRetryer builds a Retryer; zero-valued config fields fall back to
// the defaults.
func NewRetryer(config RetryConfig, logger *logrus.Logger) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.JitterFactor < 0 {
		config.JitterFactor = def.JitterFactor
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Retryer{config: config, logger: logger}
}

// Do runs op until it succeeds, fails terminally, exhausts the attempt
// budget, or ctx is done. Cancellation wins over retry classification:
// an error surfaced while ctx is already done is reported as
// cancellation, and backoff waits abort as soon as ctx is done.
func (r *Retryer) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(logrus.Fields{
					"operation": label,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		lastErr = err
		// A deadline error while ctx is still live came from the
		// per-attempt timeout, which is a transient failure rather
		// than a caller cancellation.
		if !IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		if suggested, ok := RetryAfter(err); ok && suggested > delay {
			delay = suggested
		}

		r.logger.WithFields(logrus.Fields{
			"operation": label,
			"attempt":   attempt,
			"delay":     delay,
			"error":     err,
		}).Warn("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &RetryExhaustedError{Attempts: r.config.MaxAttempts, LastErr: lastErr}
}

// backoff returns the wait before the next attempt: exponential growth
// capped at MaxDelay, plus symmetric jitter.
func (r *Retryer) backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.JitterFactor > 0 {
		jitter := delay * r.config.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter // #nosec G404 -- jitter needs no crypto randomness
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
