package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/metrics"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxJitter:  50 * time.Millisecond,
	}
}

func PolicyFromConfig(cfg config.IntegrationConfig) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxJitter:  cfg.MaxJitter,
	}
}

// maxBackoff bounds a single wait once BaseDelay * 2^(attempt-1) no longer
// fits in a time.Duration.
const maxBackoff = time.Duration(math.MaxInt64)

// Backoff returns the wait before retry number attempt (1-based), without
// jitter: BaseDelay * 2^(attempt-1), saturating at maxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift >= 63 || p.BaseDelay > maxBackoff>>shift {
		return maxBackoff
	}
	return p.BaseDelay << shift
}

// Retrier runs operations under a Policy. It has no state between calls and
// is safe for concurrent use.
type Retrier struct {
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	jitter  func(max time.Duration) time.Duration
}

func NewRetrier(p Policy, logger *slog.Logger, m *metrics.Metrics) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		policy:  p,
		logger:  logger,
		metrics: m,
		jitter:  randomJitter,
	}
}

func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op until it succeeds, fails with a non-retryable error, or has
// failed MaxRetries+1 times.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if op == nil {
		return fmt.Errorf("%w: operation is nil", ErrInvalidArgument)
	}
	_, err := Execute(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op with retries and exponential backoff.
//
// An ErrInvalidArgument failure or a failure classified as a client error
// (4xx other than 429) is returned immediately. Any other failure is retried after
// BaseDelay*2^(attempt-1) plus up to MaxJitter of random jitter. When every
// attempt has failed the last error is returned wrapped in a
// *RetriesExhaustedError. Cancelling ctx aborts the wait between attempts.
func Execute[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, fmt.Errorf("%w: operation is nil", ErrInvalidArgument)
	}
	if r == nil {
		r = NewRetrier(DefaultPolicy(), nil, nil)
	}

	maxRetries := max(r.policy.MaxRetries, 0)

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, ErrInvalidArgument) {
			return zero, err
		}
		class := ClassOf(err)
		if !class.Retryable() {
			return zero, err
		}

		if attempt > maxRetries {
			r.metrics.RetriesExhausted()
			return zero, &RetriesExhaustedError{Attempts: attempt, Err: err}
		}

		delay := r.policy.Backoff(attempt)
		if j := r.jitter(r.policy.MaxJitter); delay <= maxBackoff-j {
			delay += j
		}
		r.metrics.Retry(class.String())
		r.logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_retries", maxRetries,
			"delay", delay,
			"class", class.String(),
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
