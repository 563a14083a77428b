// Package retry provides the retry collaborator that composer.Composer
// wraps around a user operation, outermost of the retry → circuit-breaker
// → limiter → user chain.
//
// Backoff computation is delegated to cenkalti/backoff/v4 rather than
// reimplemented, matching the rest of the dependency stack's habit of
// leaning on the ecosystem for resilience primitives.
package retry

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mira-oakes/throttlegate"
)

// ErrExhausted is returned when every attempt has been spent. Err holds
// the last underlying error.
type ErrExhausted struct {
	Attempts int
	Err      error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("retry: exhausted %d attempts: %v", e.Attempts, e.Err)
}

func (e *ErrExhausted) Unwrap() error { return e.Err }

// RetryIf decides whether an error is worth retrying.
type RetryIf func(error) bool

// defaultRetryIf retries everything except a throttlegate.ThrottledError,
// per the composer's contract: throttled rejections are not retried by
// default, they propagate through the retry layer.
func defaultRetryIf(err error) bool {
	var throttled *throttlegate.ThrottledError
	return !errors.As(err, &throttled)
}

// Policy configures retry attempts with exponential backoff and jitter.
type Policy struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	retryIf      RetryIf
}

// Option configures a Policy.
type Option func(*Policy)

// WithRetryIf overrides which errors are retried. Default excludes
// *throttlegate.ThrottledError.
func WithRetryIf(fn RetryIf) Option {
	return func(p *Policy) {
		if fn != nil {
			p.retryIf = fn
		}
	}
}

// New constructs a Policy allowing up to maxAttempts total attempts (the
// first try plus maxAttempts-1 retries), with exponential backoff starting
// at baseDelay, capped at maxDelay, randomized by jitterFactor.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, jitterFactor float64, opts ...Option) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := &Policy{
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		jitterFactor: jitterFactor,
		retryIf:      defaultRetryIf,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Call invokes fn, retrying on failure per the policy's backoff and
// RetryIf predicate, bounded by ctx.
func (p *Policy) Call(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.baseDelay
	eb.MaxInterval = p.maxDelay
	eb.RandomizationFactor = p.jitterFactor
	eb.Multiplier = 2.0
	eb.MaxElapsedTime = 0

	bo := backoff.WithContext(eb, ctx)
	limited := backoff.WithMaxRetries(bo, uint64(p.maxAttempts-1))

	attempts := 0
	var lastErr error
	stopped := false

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.retryIf(err) {
			stopped = true
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, limited)
	if err == nil {
		return nil
	}
	if stopped {
		return lastErr
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return &ErrExhausted{Attempts: attempts, Err: lastErr}
}
