// Package throttlegate provides the core rate-limiting engine for
// throttlegate: a multi-algorithm Limiter (fixed-window, GCRA,
// token-bucket) over a pluggable storage.Store backend.
//
// The request-filtering pipeline (safelist, blocklist, throttle, track,
// fail2ban, allow2ban) lives in the rules and middleware packages; the
// retry/circuit-breaker composition lives in the composer package. This
// package is the algorithm-agnostic façade the rest of the library is
// built on.
//
// # Algorithms
//
//   - FixedWindow — simple, period-aligned counters
//   - GCRA — virtual scheduling via a single monotonic TAT scalar
//   - TokenBucket — continuous refill, burst-friendly
//
// # Quick start
//
//	store := memory.New()
//	limiter, err := throttlegate.New("api", 100, time.Minute, throttlegate.TokenBucket, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := limiter.Throttle(ctx); err != nil {
//	    var throttled *throttlegate.ThrottledError
//	    if errors.As(err, &throttled) {
//	        // deny, using throttled.RetryAfter
//	    }
//	}
//
// # With Redis
//
//	store := redisstore.New(redisClient)
//	limiter, _ := throttlegate.New("api", 100, time.Minute, throttlegate.GCRA, store)
package throttlegate
