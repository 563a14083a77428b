package throttlegate

import (
	"context"
	"math"
	"time"

	"github.com/mira-oakes/throttlegate/instrumentation"
	"github.com/mira-oakes/throttlegate/storage"
)

// Algorithm selects which rate limiting strategy a Limiter uses.
type Algorithm string

const (
	FixedWindow Algorithm = "fixed_window"
	GCRA        Algorithm = "gcra"
	TokenBucket Algorithm = "token_bucket"
)

// Options configures a Limiter beyond its required constructor arguments.
type Options struct {
	// FailOpen controls behavior when the storage backend errors. If true,
	// Allow/Throttle treat the error as a pass. Default false: the library
	// fails closed, per §7.
	FailOpen bool

	// Instrumenter receives rate_limit.checked/allowed/throttled events.
	// Default instrumentation.Null.
	Instrumenter instrumentation.Instrumenter
}

// Option is a functional option for New.
type Option func(*Options)

// WithFailOpen controls the fail-open/fail-closed behavior on storage
// errors. Default: false (fail closed).
func WithFailOpen(v bool) Option {
	return func(o *Options) { o.FailOpen = v }
}

// WithInstrumenter sets the event sink for this Limiter. Default is
// instrumentation.Null.
func WithInstrumenter(i instrumentation.Instrumenter) Option {
	return func(o *Options) { o.Instrumenter = i }
}

// Limiter is the algorithm-agnostic façade (§4.5) over a storage.Store. A
// Limiter is bound to a single key and is safe for concurrent use.
type Limiter struct {
	key    string
	limit  int64
	period time.Duration
	algo   Algorithm
	store  storage.Store
	opts   Options

	emissionInterval time.Duration
	refillRate       float64
	ttl              time.Duration
}

// New constructs a Limiter bound to key, admitting at most limit requests
// per period under algorithm algo, backed by store.
func New(key string, limit int64, period time.Duration, algo Algorithm, store storage.Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, &ConfigError{Msg: "storage.Store is required"}
	}
	if period <= 0 {
		return nil, &ConfigError{Msg: "period must be positive"}
	}
	if limit < 0 {
		return nil, &ConfigError{Msg: "limit must be >= 0"}
	}

	o := Options{Instrumenter: instrumentation.Null{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Instrumenter == nil {
		o.Instrumenter = instrumentation.Null{}
	}

	l := &Limiter{key: key, limit: limit, period: period, algo: algo, store: store, opts: o}

	switch algo {
	case FixedWindow:
		l.ttl = period
	case GCRA:
		if limit > 0 {
			l.emissionInterval = time.Duration(float64(period) / float64(limit))
		}
		l.ttl = l.emissionInterval + period
	case TokenBucket:
		if period.Seconds() > 0 {
			l.refillRate = float64(limit) / period.Seconds()
		}
		if l.refillRate > 0 {
			l.ttl = time.Duration(math.Ceil(float64(limit)/l.refillRate)*float64(time.Second)) + time.Second
		} else {
			l.ttl = period
		}
	default:
		return nil, &ConfigError{Msg: "unknown algorithm: " + string(algo)}
	}

	return l, nil
}

func (l *Limiter) Key() string           { return l.key }
func (l *Limiter) Limit() int64          { return l.limit }
func (l *Limiter) Period() time.Duration { return l.period }
func (l *Limiter) Algorithm() Algorithm  { return l.algo }

// Allow reports whether the next Throttle call would currently succeed,
// without consuming a unit. For GCRA this is a peek — its Remaining is a
// {0,1} presence flag, never a real count (§9).
func (l *Limiter) Allow(ctx context.Context) (bool, error) {
	allowed, remaining, _, err := l.peek(ctx)
	if err != nil {
		if l.opts.FailOpen {
			return true, nil
		}
		return false, err
	}
	l.emit(ctx, "rate_limit.checked", map[string]interface{}{
		"key": l.key, "limit": l.limit, "period": l.period, "algorithm": l.algo,
		"allowed": allowed, "remaining": remaining,
	})
	return allowed, nil
}

// Throttle attempts to consume one unit. It returns *ThrottledError if
// admission is denied. On success it emits rate_limit.allowed; on
// rejection, rate_limit.throttled. It never also emits rate_limit.checked
// for its own internal check (§4.5, §9) — checked is reserved for Allow.
func (l *Limiter) Throttle(ctx context.Context) error {
	return l.throttle(ctx, func() {})
}

// ThrottleDo consumes one unit and, only if admitted, invokes fn. If fn
// returns an error it is propagated; the unit remains consumed.
func (l *Limiter) ThrottleDo(ctx context.Context, fn func() error) error {
	var fnErr error
	err := l.throttle(ctx, func() { fnErr = fn() })
	if err != nil {
		return err
	}
	return fnErr
}

func (l *Limiter) throttle(ctx context.Context, onAllowed func()) error {
	allowed, remaining, retryAfter, err := l.check(ctx)
	if err != nil {
		if l.opts.FailOpen {
			onAllowed()
			return nil
		}
		return err
	}

	if allowed {
		l.emit(ctx, "rate_limit.allowed", map[string]interface{}{
			"key": l.key, "limit": l.limit, "period": l.period, "algorithm": l.algo,
			"remaining": remaining,
		})
		onAllowed()
		return nil
	}

	l.emit(ctx, "rate_limit.throttled", map[string]interface{}{
		"key": l.key, "limit": l.limit, "period": l.period, "algorithm": l.algo,
		"retry_after": retryAfter,
	})
	return &ThrottledError{Limiter: l, RetryAfter: retryAfter}
}

// Remaining is a best-effort count of further allowances: fixed-window
// max(0, limit-count); token-bucket the integer floor of tokens; GCRA a
// {0,1} presence flag (§9 — not a real count).
func (l *Limiter) Remaining(ctx context.Context) (int64, error) {
	_, remaining, _, err := l.peek(ctx)
	if err != nil {
		if l.opts.FailOpen {
			return l.limit, nil
		}
		return 0, err
	}
	return remaining, nil
}

// RetryAfter is the time until at least one unit becomes available. It is
// always zero when Allow is true.
func (l *Limiter) RetryAfter(ctx context.Context) (time.Duration, error) {
	_, _, retryAfter, err := l.peek(ctx)
	if err != nil {
		if l.opts.FailOpen {
			return 0, nil
		}
		return 0, err
	}
	return retryAfter, nil
}

// Reset clears all stored state for this Limiter's key.
func (l *Limiter) Reset(ctx context.Context) error {
	var err error
	switch l.algo {
	case FixedWindow:
		err = l.store.ResetCounter(ctx, l.key, l.period)
	case GCRA, TokenBucket:
		err = l.store.Clear(ctx, l.key)
	}
	if err != nil {
		return &StorageError{Op: "Reset", Err: err}
	}
	return nil
}

// peek evaluates admission without consuming a unit.
func (l *Limiter) peek(ctx context.Context) (allowed bool, remaining int64, retryAfter time.Duration, err error) {
	if l.limit <= 0 {
		return false, 0, l.period, nil
	}

	now := time.Now()
	switch l.algo {
	case FixedWindow:
		count, gerr := l.store.GetCounter(ctx, l.key, l.period)
		if gerr != nil {
			return false, 0, 0, &StorageError{Op: "GetCounter", Err: gerr}
		}
		allowed = count < l.limit
		remaining = l.limit - count
		if remaining < 0 {
			remaining = 0
		}
		if !allowed {
			ttl, terr := l.store.GetCounterTTL(ctx, l.key, l.period)
			if terr != nil {
				return false, 0, 0, &StorageError{Op: "GetCounterTTL", Err: terr}
			}
			retryAfter = ttl
		}
		return allowed, remaining, retryAfter, nil

	case GCRA:
		res, gerr := l.store.PeekGCRA(ctx, l.key, l.emissionInterval, 0, now)
		if gerr != nil {
			return false, 0, 0, &StorageError{Op: "PeekGCRA", Err: gerr}
		}
		remaining = 0
		if res.Allowed {
			remaining = 1
		}
		return res.Allowed, remaining, res.RetryAfter, nil

	case TokenBucket:
		res, gerr := l.store.PeekTokenBucket(ctx, l.key, l.limit, l.refillRate, now)
		if gerr != nil {
			return false, 0, 0, &StorageError{Op: "PeekTokenBucket", Err: gerr}
		}
		return res.Allowed, res.TokensRemaining, res.RetryAfter, nil
	}
	return false, 0, 0, &ConfigError{Msg: "unknown algorithm: " + string(l.algo)}
}

// check evaluates and, if admitted, consumes one unit atomically.
func (l *Limiter) check(ctx context.Context) (allowed bool, remaining int64, retryAfter time.Duration, err error) {
	if l.limit <= 0 {
		return false, 0, l.period, nil
	}

	now := time.Now()
	switch l.algo {
	case FixedWindow:
		count, ierr := l.store.IncrementCounter(ctx, l.key, l.period, 1)
		if ierr != nil {
			return false, 0, 0, &StorageError{Op: "IncrementCounter", Err: ierr}
		}
		allowed = count <= l.limit
		remaining = l.limit - count
		if remaining < 0 {
			remaining = 0
		}
		if !allowed {
			ttl, terr := l.store.GetCounterTTL(ctx, l.key, l.period)
			if terr != nil {
				return false, 0, 0, &StorageError{Op: "GetCounterTTL", Err: terr}
			}
			retryAfter = ttl
		}
		return allowed, remaining, retryAfter, nil

	case GCRA:
		res, gerr := l.store.CheckGCRA(ctx, l.key, l.emissionInterval, 0, l.ttl, now)
		if gerr != nil {
			return false, 0, 0, &StorageError{Op: "CheckGCRA", Err: gerr}
		}
		remaining = 0
		if res.Allowed {
			remaining = 1
		}
		return res.Allowed, remaining, res.RetryAfter, nil

	case TokenBucket:
		res, gerr := l.store.CheckTokenBucket(ctx, l.key, l.limit, l.refillRate, l.ttl, now)
		if gerr != nil {
			return false, 0, 0, &StorageError{Op: "CheckTokenBucket", Err: gerr}
		}
		return res.Allowed, res.TokensRemaining, res.RetryAfter, nil
	}
	return false, 0, 0, &ConfigError{Msg: "unknown algorithm: " + string(l.algo)}
}

func (l *Limiter) emit(ctx context.Context, name string, payload map[string]interface{}) {
	l.opts.Instrumenter.Instrument(ctx, name, payload, func() {})
}
