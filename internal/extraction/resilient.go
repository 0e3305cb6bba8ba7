package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
)

// ResilienceConfig tunes the retry/timeout/circuit-breaker wrapper around a
// provider. A batch that still fails after retries is dropped by the caller;
// it is never re-queued for a later window.
type ResilienceConfig struct {
	AttemptTimeout time.Duration // per-attempt deadline
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultResilienceConfig returns sensible extraction resilience defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		AttemptTimeout: 30 * time.Second,
		MaxRetries:     3,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
	}
}

// ResilientExtractor wraps a provider with retry, per-attempt timeouts, and
// a circuit breaker so a struggling upstream cannot stall the pipeline.
type ResilientExtractor struct {
	inner   Extractor
	cfg     ResilienceConfig
	retry   retrypolicy.RetryPolicy[[]topics.Candidate]
	breaker circuitbreaker.CircuitBreaker[[]topics.Candidate]
	logger  logging.Logger
}

// NewResilientExtractor wraps inner with the configured policies.
func NewResilientExtractor(inner Extractor, cfg ResilienceConfig, logger logging.Logger) *ResilientExtractor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}

	retry := retrypolicy.NewBuilder[[]topics.Candidate]().
		WithBackoff(cfg.BackoffBase, cfg.BackoffMax).
		WithMaxRetries(cfg.MaxRetries).
		HandleIf(func(_ []topics.Candidate, err error) bool {
			// A response that parsed but is structurally invalid will not
			// improve on a retry.
			return err != nil && !errors.Is(err, ErrInvalidResponse)
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[[]topics.Candidate]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"from_state": event.OldState,
				"to_state":   event.NewState,
			}).Warn("Extraction circuit breaker state change")
		}).
		Build()

	return &ResilientExtractor{
		inner:   inner,
		cfg:     cfg,
		retry:   retry,
		breaker: breaker,
		logger:  logger,
	}
}

// BreakerOpen reports whether the circuit is currently open.
func (e *ResilientExtractor) BreakerOpen() bool {
	return e.breaker.IsOpen()
}

// Extract implements Extractor. Each attempt runs under its own deadline so
// a hung upstream call cannot outlive the window that produced the batch.
func (e *ResilientExtractor) Extract(ctx context.Context, batch topics.Batch) ([]topics.Candidate, error) {
	return failsafe.With(e.retry, e.breaker).Get(func() ([]topics.Candidate, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()

		candidates, err := e.inner.Extract(attemptCtx, batch)
		if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			err = ErrTimeout
		}
		return candidates, err
	})
}
