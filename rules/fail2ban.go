package rules

import (
	"context"
	"net/http"
	"time"

	"github.com/mira-oakes/throttlegate/breaker"
)

// Fail2Ban reports a fingerprint as banned once maxRetry host-recorded
// failures have landed within findTime of each other; the ban then holds
// for banTime. Failures are pushed in from outside the request pipeline
// via Count, since they typically depend on how the downstream handler's
// response turned out (a 404, a failed login, and so on).
type Fail2Ban struct {
	name      string
	maxRetry  int
	findTime  time.Duration
	banTime   time.Duration
	extractor Extractor
	registry  *breaker.Registry
}

// NewFail2Ban constructs a Fail2Ban rule backed by registry, so its
// breaker can be looked up by key from Count and reset by a paired
// Allow2Ban rule.
func NewFail2Ban(name string, maxRetry int, findTime, banTime time.Duration, extractor Extractor, registry *breaker.Registry) *Fail2Ban {
	return &Fail2Ban{
		name:      name,
		maxRetry:  maxRetry,
		findTime:  findTime,
		banTime:   banTime,
		extractor: extractor,
		registry:  registry,
	}
}

func (f *Fail2Ban) Name() string { return f.name }

func (f *Fail2Ban) breakerKey(fp string) string {
	return f.name + ":" + fp
}

func (f *Fail2Ban) breakerFor(key string) *breaker.CircuitBreaker {
	return f.registry.GetOrCreate(key, func() *breaker.CircuitBreaker {
		return breaker.New(key, f.maxRetry, f.findTime, f.banTime)
	})
}

// Matches reports whether the fingerprint's breaker is currently open.
func (f *Fail2Ban) Matches(ctx context.Context, r *http.Request) (bool, error) {
	fp := f.extractor(r)
	if fp == "" {
		return false, nil
	}

	cb := f.breakerFor(f.breakerKey(fp))
	if !cb.Open() {
		return false, nil
	}

	annotateMatch(ctx, f.name, "fail2ban", fp, map[string]interface{}{
		"discriminator":    fp,
		"maxretry":         f.maxRetry,
		"findtime":         f.findTime,
		"bantime":          f.banTime,
		"failures":         cb.Failures(),
		"time_until_unban": cb.TimeUntilUnban(),
	})
	return true, nil
}

// Count is the explicit, host-invoked entry point that pushes a failure
// observation into the fingerprint's breaker. The host calls it after
// observing an application-level failure (a 404, a bad login, and so on)
// that the HTTP status code alone can't express.
func (f *Fail2Ban) Count(r *http.Request, didFail bool) {
	if !didFail {
		return
	}
	fp := f.extractor(r)
	if fp == "" {
		return
	}
	f.breakerFor(f.breakerKey(fp)).RecordFailure()
}
