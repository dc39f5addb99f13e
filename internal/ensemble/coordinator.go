package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"dev.sprung.conductor/internal/models"
)

// RunFunc executes one model and returns its structured result. The
// coordinator supplies a context carrying the per-model timeout.
type RunFunc func(ctx context.Context, modelID string) (*models.StructuredResult, error)

// RoundConfig bounds one parallel round.
type RoundConfig struct {
	// PerModelTimeout caps each model's whole attempt window,
	// retries included. Zero means no per-model cap.
	PerModelTimeout time.Duration

	// RoundTimeout is the wall-clock budget for the round. Results
	// arriving later are cancelled, not awaited. Zero means the
	// round waits for every model.
	RoundTimeout time.Duration

	// MaxInFlight caps simultaneously running models. Zero means no
	// cap.
	MaxInFlight int64

	// Strategy selects the winner. Nil means plurality voting with
	// the default equivalence function.
	Strategy Strategy
}

// Outcome is one model's contribution to a round.
type Outcome struct {
	ModelID  string                   `json:"model_id"`
	Result   *models.StructuredResult `json:"result,omitempty"`
	Err      error                    `json:"-"`
	Error    string                   `json:"error,omitempty"`
	TimedOut bool                     `json:"timed_out,omitempty"`
}

// AggregateResult is the outcome of one parallel round: the elected
// winner plus the full per-model rationale, failures included.
type AggregateResult struct {
	Winner    *models.StructuredResult `json:"winner"`
	Scheme    Scheme                   `json:"scheme"`
	Scores    map[string]float64       `json:"scores,omitempty"`
	Rationale []Outcome                `json:"rationale"`
	Elapsed   time.Duration            `json:"elapsed"`
}

// AllModelsFailedError reports a round in which no model produced a
// parseable answer. Errors maps model id to its terminal failure.
type AllModelsFailedError struct {
	Errors map[string]error
}

func (e *AllModelsFailedError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Errors[id]))
	}
	return "all models failed: " + strings.Join(parts, "; ")
}

// Coordinator runs parallel rounds: one goroutine per model, results
// collected until the round deadline, stragglers cancelled.
type Coordinator struct {
	log *logrus.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(log *logrus.Logger) *Coordinator {
	return &Coordinator{log: log}
}

// Run fans run out to every model id and aggregates the outcomes. The
// returned AggregateResult has a rationale entry per model in input
// order; models that did not finish in time appear as timeout
// failures. When no model yields a parseable answer, Run returns an
// AllModelsFailedError with the per-model breakdown.
func (c *Coordinator) Run(ctx context.Context, cfg RoundConfig, modelIDs []string, run RunFunc) (*AggregateResult, error) {
	modelIDs = dedup(modelIDs)
	if len(modelIDs) == 0 {
		return nil, errors.New("no models requested")
	}

	strategy := cfg.Strategy
	if strategy == nil {
		strategy = NewPlurality(nil)
	}

	var roundCtx context.Context
	var cancel context.CancelFunc
	if cfg.RoundTimeout > 0 {
		roundCtx, cancel = context.WithTimeout(ctx, cfg.RoundTimeout)
	} else {
		roundCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var sem *semaphore.Weighted
	if cfg.MaxInFlight > 0 {
		sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}

	start := time.Now()

	// Buffered for every model so abandoned branches can still send
	// and exit after the round moves on without them.
	outcomes := make(chan Outcome, len(modelIDs))

	var wg sync.WaitGroup
	for _, modelID := range modelIDs {
		wg.Add(1)
		go func(modelID string) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(roundCtx, 1); err != nil {
					outcomes <- failedOutcome(modelID, err)
					return
				}
				defer sem.Release(1)
			}

			branchCtx := roundCtx
			if cfg.PerModelTimeout > 0 {
				var branchCancel context.CancelFunc
				branchCtx, branchCancel = context.WithTimeout(roundCtx, cfg.PerModelTimeout)
				defer branchCancel()
			}

			result, err := run(branchCtx, modelID)
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"model": modelID,
					"error": err,
				}).Debug("Ensemble branch failed")
				outcomes <- failedOutcome(modelID, err)
				return
			}
			outcomes <- Outcome{ModelID: modelID, Result: result}
		}(modelID)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	collected := make(map[string]Outcome, len(modelIDs))
collecting:
	for len(collected) < len(modelIDs) {
		select {
		case out, ok := <-outcomes:
			if !ok {
				break collecting
			}
			collected[out.ModelID] = out
		case <-roundCtx.Done():
			drainReady(outcomes, collected)
			break collecting
		}
	}
	// Stragglers are cancelled, not awaited.
	cancel()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rationale := make([]Outcome, 0, len(modelIDs))
	var voteable []*models.StructuredResult
	for _, modelID := range modelIDs {
		out, ok := collected[modelID]
		if !ok {
			out = failedOutcome(modelID, fmt.Errorf("no result before round deadline: %w", context.DeadlineExceeded))
		}
		rationale = append(rationale, out)
		if out.Result.OK() {
			voteable = append(voteable, out.Result)
		}
	}

	if len(voteable) == 0 {
		failures := make(map[string]error, len(rationale))
		for _, out := range rationale {
			switch {
			case out.Err != nil:
				failures[out.ModelID] = out.Err
			case out.Result != nil && out.Result.ParseErr != nil:
				failures[out.ModelID] = out.Result.ParseErr
			}
		}
		return nil, &AllModelsFailedError{Errors: failures}
	}

	winner, scores, err := strategy.Select(voteable)
	if err != nil {
		return nil, fmt.Errorf("voting failed: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"models":    len(modelIDs),
		"succeeded": len(voteable),
		"scheme":    strategy.Name(),
		"winner":    winner.ModelID,
		"elapsed":   time.Since(start),
	}).Info("Parallel round complete")

	return &AggregateResult{
		Winner:    winner,
		Scheme:    strategy.Name(),
		Scores:    scores,
		Rationale: rationale,
		Elapsed:   time.Since(start),
	}, nil
}

func failedOutcome(modelID string, err error) Outcome {
	return Outcome{
		ModelID:  modelID,
		Err:      err,
		Error:    err.Error(),
		TimedOut: errors.Is(err, context.DeadlineExceeded),
	}
}

// drainReady empties whatever already landed on the channel without
// blocking for more.
func drainReady(outcomes <-chan Outcome, collected map[string]Outcome) {
	for {
		select {
		case out, ok := <-outcomes:
			if !ok {
				return
			}
			collected[out.ModelID] = out
		default:
			return
		}
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
