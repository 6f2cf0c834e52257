package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/metrics"
)

// RetryPolicy implements exponential backoff with jitter for transient
// backend failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// NewRetryPolicy builds a policy from the reliability configuration.
func NewRetryPolicy(cfg config.ReliabilityConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  cfg.RetryAttempts,
		InitialDelay: cfg.RetryDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxDelay:     cfg.MaxRetryDelay,
	}
}

// Execute runs the operation, retrying transient failures.
func (p *RetryPolicy) Execute(ctx context.Context, source string, op func() error) error {
	return p.ExecuteWithCondition(ctx, source, op, errors.IsRetryable)
}

// ExecuteWithCondition runs the operation, retrying while shouldRetry
// approves the failure and attempts remain. The context cancels waiting
// between attempts.
func (p *RetryPolicy) ExecuteWithCondition(ctx context.Context, source string, op func() error, shouldRetry func(error) bool) error {
	var lastErr error
	delay := p.InitialDelay

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ContextType(ctx), "execution interrupted")
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) || attempt == attempts {
			return lastErr
		}

		metrics.RetriesTotal.WithLabelValues(source).Inc()

		// full jitter keeps concurrent executions from retrying in lockstep
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ContextType(ctx), "execution interrupted during retry wait")
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
