// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/failure"
)

// Policy defines retry behavior.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFactor   float64
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

// Delayer is implemented by errors that carry a server-provided wait, such as
// an HTTP 429 with Retry-After.
type Delayer interface {
	RetryAfter() time.Duration
}

// Retrier executes operations with backoff. Only recoverable failures are
// retried; validation, constraint and fatal errors return immediately.
type Retrier struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retrier. A nil logger discards retry logs.
func New(policy Policy, logger *zap.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, logger: logger}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do runs fn until it succeeds, returns a non-recoverable error, or the
// attempt budget is spent. Each attempt gets its own timeout context.
// Exhaustion is reported as a recoverable failure wrapping the last error.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return failure.Recoverable(op, fmt.Errorf("%w (last error: %v)", err, lastErr))
			}
			return failure.Recoverable(op, err)
		}

		err := r.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry",
					zap.String("operation", op),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return nil
		}
		lastErr = err

		if !failure.IsRecoverable(err) {
			return err
		}

		if attempt == r.policy.MaxAttempts {
			r.logger.Error("operation failed after max attempts",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return failure.Recoverable(op, fmt.Errorf("gave up after %d attempts: %w", attempt, err))
		}

		delay := r.delay(attempt, err)
		r.logger.Warn("operation failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return failure.Recoverable(op, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr))
		}
	}

	return lastErr
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (r *Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	err := fn(attemptCtx)
	// A per-attempt deadline is transient even if fn did not classify it.
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return failure.Recoverable("attempt", err)
	}
	return err
}

func (r *Retrier) delay(attempt int, err error) time.Duration {
	var d Delayer
	if errors.As(err, &d) && d.RetryAfter() > 0 {
		if wait := d.RetryAfter(); wait < r.policy.MaxDelay || r.policy.MaxDelay <= 0 {
			return wait
		}
		return r.policy.MaxDelay
	}
	return Backoff(r.policy, attempt)
}

// Backoff returns the wait before retry number attempt (1-based), with
// jitter applied and capped at MaxDelay.
func Backoff(p Policy, attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))

	if p.JitterFactor > 0 {
		delay += delay * p.JitterFactor * (2*rand.Float64() - 1)
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
