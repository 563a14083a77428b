// Package composer provides the optional builder that chains a Limiter,
// an external circuit breaker, and an external retry policy around a user
// operation.
//
// The wrapping order is fixed: retry is outermost, then the circuit
// breaker, then the limiter, innermost around the user's block. That
// means a throttled rejection from the limiter is seen by the circuit
// breaker (and may count toward opening it) and by the retry layer, which
// by default declines to retry it.
package composer

import (
	"context"
	"sync"
	"time"

	"github.com/mira-oakes/throttlegate"
	"github.com/mira-oakes/throttlegate/breaker"
	"github.com/mira-oakes/throttlegate/retry"
	"github.com/mira-oakes/throttlegate/storage"
)

// ErrOpen is re-exported from breaker so callers can match on a stable
// composer-level name without importing the breaker package directly.
var ErrOpen = breaker.ErrOpen

// ErrExhausted is re-exported from retry for the same reason.
type ErrExhausted = retry.ErrExhausted

// Composer binds a key to an optional limiter, circuit breaker, and retry
// policy, then runs a user operation wrapped inner-to-outer as
// retry → circuit-breaker → limiter → user.
type Composer struct {
	key string

	limit struct {
		set       bool
		rate      int64
		per       time.Duration
		algorithm throttlegate.Algorithm
		opts      []throttlegate.Option
	}

	breakOn struct {
		set          bool
		failures     int
		within       time.Duration
		resetTimeout time.Duration
	}

	retryOn struct {
		set          bool
		times        int
		baseDelay    time.Duration
		maxDelay     time.Duration
		jitterFactor float64
	}

	once      sync.Once
	buildErr  error
	limiter   *throttlegate.Limiter
	cb        *breaker.CircuitBreaker
	retryPlcy *retry.Policy
}

// New starts building a Composer bound to key.
func New(key string) *Composer {
	return &Composer{key: key}
}

// Limit configures the innermost rate limiter.
func (c *Composer) Limit(rate int64, per time.Duration, algorithm throttlegate.Algorithm, opts ...throttlegate.Option) *Composer {
	c.limit.set = true
	c.limit.rate = rate
	c.limit.per = per
	c.limit.algorithm = algorithm
	c.limit.opts = opts
	return c
}

// BreakOn configures the circuit breaker layer: it opens after failures
// failures within the within window, and stays open for timeout.
func (c *Composer) BreakOn(failures int, within, timeout time.Duration) *Composer {
	c.breakOn.set = true
	c.breakOn.failures = failures
	c.breakOn.within = within
	c.breakOn.resetTimeout = timeout
	return c
}

// RetryOnFailure configures the outermost retry layer.
func (c *Composer) RetryOnFailure(times int, baseDelay, maxDelay time.Duration, jitterFactor float64) *Composer {
	c.retryOn.set = true
	c.retryOn.times = times
	c.retryOn.baseDelay = baseDelay
	c.retryOn.maxDelay = maxDelay
	c.retryOn.jitterFactor = jitterFactor
	return c
}

// Run executes fn wrapped by whichever of retry / circuit-breaker /
// limiter layers were configured, in that fixed outer-to-inner order. The
// underlying limiter, breaker, and retry policy are built once, on the
// first call, and reused across subsequent calls so breaker and limiter
// state accumulate correctly.
func (c *Composer) Run(ctx context.Context, store storage.Store, fn func(ctx context.Context) error) error {
	c.once.Do(func() { c.buildErr = c.build(store) })
	if c.buildErr != nil {
		return c.buildErr
	}

	op := fn

	if c.limiter != nil {
		inner := op
		op = func(ctx context.Context) error {
			return c.limiter.ThrottleDo(ctx, func() error { return inner(ctx) })
		}
	}

	if c.cb != nil {
		inner := op
		op = func(ctx context.Context) error {
			return c.cb.Call(func() error { return inner(ctx) })
		}
	}

	if c.retryPlcy != nil {
		inner := op
		op = func(ctx context.Context) error {
			return c.retryPlcy.Call(ctx, func() error { return inner(ctx) })
		}
	}

	return op(ctx)
}

func (c *Composer) build(store storage.Store) error {
	if c.limit.set {
		limiter, err := throttlegate.New(c.key, c.limit.rate, c.limit.per, c.limit.algorithm, store, c.limit.opts...)
		if err != nil {
			return err
		}
		c.limiter = limiter
	}
	if c.breakOn.set {
		c.cb = breaker.New(c.key, c.breakOn.failures, c.breakOn.within, c.breakOn.resetTimeout)
	}
	if c.retryOn.set {
		c.retryPlcy = retry.New(c.retryOn.times, c.retryOn.baseDelay, c.retryOn.maxDelay, c.retryOn.jitterFactor)
	}
	return nil
}
