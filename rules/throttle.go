package rules

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mira-oakes/throttlegate"
	"github.com/mira-oakes/throttlegate/storage"
)

// Throttle rate-limits requests sharing a fingerprint, using a Limiter
// constructed per fingerprint under the key "{rule-name}:{fingerprint}".
type Throttle struct {
	name      string
	extractor Extractor
	limit     LimitFunc
	period    PeriodFunc
	algorithm throttlegate.Algorithm
	store     storage.Store
	opts      []throttlegate.Option
}

// NewThrottle constructs a Throttle rule. limit and period are resolved
// per request, never cached, so they may vary by caller tier, path, or
// any other request detail.
func NewThrottle(name string, extractor Extractor, limit LimitFunc, period PeriodFunc, algorithm throttlegate.Algorithm, store storage.Store, opts ...throttlegate.Option) *Throttle {
	return &Throttle{
		name:      name,
		extractor: extractor,
		limit:     limit,
		period:    period,
		algorithm: algorithm,
		store:     store,
		opts:      opts,
	}
}

func (t *Throttle) Name() string { return t.name }

// Fingerprint exposes the rule's extractor, for collaborators such as
// cache.Throttle that need to key a local cache the same way the rule
// itself would before deciding whether to consult the backend at all.
func (t *Throttle) Fingerprint(r *http.Request) string { return t.extractor(r) }

// Limit resolves the dynamic limit against r.
func (t *Throttle) Limit(r *http.Request) int64 { return t.limit(r) }

// Period resolves the dynamic period against r.
func (t *Throttle) Period(r *http.Request) time.Duration { return t.period(r) }

// Matches computes the fingerprint, resolves the dynamic limit/period,
// and consumes one unit from the fingerprint's Limiter. A rejection sets
// the decisive verdict; either way the request is annotated with
// (discriminator, count, limit, period, retry_after).
func (t *Throttle) Matches(ctx context.Context, r *http.Request) (bool, error) {
	fp := t.extractor(r)
	if fp == "" {
		return false, nil
	}

	limit := t.limit(r)
	period := t.period(r)
	key := t.name + ":" + fp

	limiter, err := throttlegate.New(key, limit, period, t.algorithm, t.store, t.opts...)
	if err != nil {
		return false, err
	}

	throttleErr := limiter.Throttle(ctx)

	var throttled *throttlegate.ThrottledError
	matched := errors.As(throttleErr, &throttled)
	if throttleErr != nil && !matched {
		return false, throttleErr
	}

	remaining, rerr := limiter.Remaining(ctx)
	count := limit
	if rerr == nil {
		count = limit - remaining
		if count < 0 {
			count = 0
		}
	}

	data := map[string]interface{}{
		"discriminator": fp,
		"count":         count,
		"limit":         limit,
		"period":        period,
		"retry_after":   0,
	}
	if matched {
		data["retry_after"] = throttled.RetryAfter
	}
	annotateMatch(ctx, t.name, "throttle", fp, data)
	if m := FromContext(ctx); m != nil && !matched {
		m.Matched = false
	}

	return matched, nil
}
