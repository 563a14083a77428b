package rules

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mira-oakes/throttlegate/breaker"
)

// Allow2Ban maintains its own sliding-window counter of successful
// requests per fingerprint; upon reaching maxRetry within findTime, it
// resets the paired Fail2Ban rule's breaker by name. It never blocks a
// request itself.
type Allow2Ban struct {
	name       string
	maxRetry   int
	findTime   time.Duration
	banTime    time.Duration
	extractor  Extractor
	pairedName string
	registry   *breaker.Registry

	mu        sync.Mutex
	successes map[string][]time.Time
}

// NewAllow2Ban constructs an Allow2Ban rule that, once maxRetry successes
// land within findTime for a fingerprint, resets pairedName's breaker for
// that same fingerprint in registry. banTime is used only if this is the
// first time the paired breaker is observed, so a freshly-reset breaker
// shares the same shape the paired Fail2Ban rule expects.
func NewAllow2Ban(name string, maxRetry int, findTime, banTime time.Duration, extractor Extractor, pairedName string, registry *breaker.Registry) *Allow2Ban {
	return &Allow2Ban{
		name:       name,
		maxRetry:   maxRetry,
		findTime:   findTime,
		banTime:    banTime,
		extractor:  extractor,
		pairedName: pairedName,
		registry:   registry,
		successes:  make(map[string][]time.Time),
	}
}

func (a *Allow2Ban) Name() string { return a.name }

// Matches never decides a request's outcome; it only accumulates a
// success count and, on threshold, clears the paired ban.
func (a *Allow2Ban) Matches(ctx context.Context, r *http.Request) (bool, error) {
	fp := a.extractor(r)
	if fp == "" {
		return false, nil
	}

	reached := a.recordSuccess(fp)
	if reached {
		pairedKey := a.pairedName + ":" + fp
		cb := a.registry.GetOrCreate(pairedKey, func() *breaker.CircuitBreaker {
			return breaker.New(pairedKey, a.maxRetry, a.findTime, a.banTime)
		})
		cb.Reset()

		annotateTrack(ctx, a.name, fp, map[string]interface{}{
			"discriminator": fp,
			"reset_rule":    a.pairedName,
		})
	}
	return false, nil
}

func (a *Allow2Ban) recordSuccess(fp string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	list := append(a.successes[fp], now)
	cutoff := now.Add(-a.findTime)
	kept := list[:0]
	for _, t := range list {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if a.maxRetry > 0 && len(kept) >= a.maxRetry {
		delete(a.successes, fp)
		return true
	}
	a.successes[fp] = kept
	return false
}
