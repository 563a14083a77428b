package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mira-oakes/throttlegate/rules"
)

type enteredKey struct{}

// Handler builds net/http middleware implementing cfg's pipeline:
//
//  1. Re-entry guard — if this request already passed through a Handler
//     built from this (or any other) Config, delegate unchanged.
//  2. If cfg is disabled, delegate.
//  3. Evaluate every safelist; on any match, delegate.
//  4. Evaluate every blocklist and fail2ban; on any match, render the
//     blocklisted response.
//  5. Evaluate every allow2ban (side effects only).
//  6. Evaluate every throttle; on any match, render the throttled
//     response.
//  7. Evaluate every tracker (side effects only); delegate.
//
// Rule ordering within a category is unspecified; rules must not depend
// on evaluation order relative to others in the same category.
func Handler(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Context().Value(enteredKey{}) != nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), enteredKey{}, true)
			ctx = rules.NewContext(ctx)
			r = r.WithContext(ctx)

			if !cfg.enabled {
				next.ServeHTTP(w, r)
				return
			}

			for _, rule := range cfg.safelists {
				matched, err := rule.Matches(ctx, r)
				if err != nil {
					cfg.errorResponder(w, r, err)
					return
				}
				if matched {
					next.ServeHTTP(w, r)
					return
				}
			}

			for _, rule := range cfg.blocklists {
				matched, err := rule.Matches(ctx, r)
				if err != nil {
					cfg.errorResponder(w, r, err)
					return
				}
				if matched {
					cfg.blocklistedResponder(w, r, rules.FromContext(ctx))
					return
				}
			}
			for _, rule := range cfg.fail2bans {
				matched, err := rule.Matches(ctx, r)
				if err != nil {
					cfg.errorResponder(w, r, err)
					return
				}
				if matched {
					cfg.blocklistedResponder(w, r, rules.FromContext(ctx))
					return
				}
			}

			for _, rule := range cfg.allow2bans {
				if _, err := rule.Matches(ctx, r); err != nil {
					cfg.errorResponder(w, r, err)
					return
				}
			}

			for _, rule := range cfg.throttles {
				matched, err := rule.Matches(ctx, r)
				if err != nil {
					cfg.errorResponder(w, r, err)
					return
				}
				if matched {
					cfg.throttledResponder(w, r, rules.FromContext(ctx))
					return
				}
			}

			for _, rule := range cfg.trackers {
				if _, err := rule.Matches(ctx, r); err != nil {
					cfg.errorResponder(w, r, err)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func defaultThrottledResponder(w http.ResponseWriter, _ *http.Request, md *rules.Metadata) {
	var limit int64
	var retryAfter time.Duration
	if md != nil {
		limit, _ = md.Data["limit"].(int64)
		retryAfter, _ = md.Data["retry_after"].(time.Duration)
	}

	w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(retryAfter.Seconds())), 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintln(w, "Too Many Requests")
}

func defaultBlocklistedResponder(w http.ResponseWriter, _ *http.Request, _ *rules.Metadata) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintln(w, "Forbidden")
}

func defaultErrorResponder(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
