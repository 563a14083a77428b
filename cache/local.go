// Package cache provides an L1 in-process cache layered in front of a
// rules.Throttle rule, so most requests for a hot fingerprint are
// answered from process memory instead of round-tripping to a remote
// storage.Store on every single request.
//
//	Request → L1 (in-process, ~50ns) → L2 (Redis, ~1ms) → decision
//
// Usage:
//
//	throttle := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(1000), rules.ConstPeriod(time.Minute), throttlegate.GCRA, store)
//	cached := cache.New(throttle, cache.WithTTL(100*time.Millisecond))
//	cfg := middleware.New().Throttle(cached)
//
// Denied results are cached for the shorter of the TTL and RetryAfter,
// preventing thundering herd on the backend for already-throttled
// fingerprints.
package cache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mira-oakes/throttlegate/rules"
)

// Option configures a Throttle cache layer.
type Option func(*config)

type config struct {
	ttl     time.Duration
	maxKeys int
}

// WithTTL sets the cache entry TTL. After this duration, the next request
// for that fingerprint syncs with the backend. Lower values = more
// accurate, higher values = less backend load. Default: 100ms.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithMaxKeys sets the maximum number of cached fingerprints. When
// exceeded, the oldest entry is evicted. Default: 100000.
func WithMaxKeys(maxKeys int) Option {
	return func(c *config) { c.maxKeys = maxKeys }
}

// Throttle is an L1 in-process cache wrapping a *rules.Throttle. It
// implements rules.Rule, so it drops directly into a middleware.Config in
// place of the rule it wraps.
//
// On each Matches call:
//  1. Cache hit + remaining local quota → decide locally (sub-microsecond)
//  2. Cache hit + quota exhausted → sync with the backend
//  3. Cache miss or expired → sync with the backend
type Throttle struct {
	inner  *rules.Throttle
	config config

	mu      sync.Mutex
	entries map[string]*entry
	closeCh chan struct{}
	closed  bool
}

type entry struct {
	matched    bool
	data       map[string]interface{}
	remaining  int64
	retryAfter time.Duration
	localUsed  int64
	fetchedAt  time.Time
}

// New wraps inner with an L1 cache layer.
func New(inner *rules.Throttle, opts ...Option) *Throttle {
	cfg := config{
		ttl:     100 * time.Millisecond,
		maxKeys: 100000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Throttle{
		inner:   inner,
		config:  cfg,
		entries: make(map[string]*entry),
		closeCh: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *Throttle) Name() string { return c.inner.Name() }

// Matches consults the local cache first. A still-fresh denial is
// returned without touching the backend; a still-fresh admission debits a
// local counter until it runs out, at which point (or on a cache miss) it
// falls through to inner.Matches and refreshes the cache entry.
func (c *Throttle) Matches(ctx context.Context, r *http.Request) (bool, error) {
	fp := c.inner.Fingerprint(r)
	if fp == "" {
		return false, nil
	}

	c.mu.Lock()
	e, ok := c.entries[fp]
	if ok && !c.expired(e) {
		if e.matched {
			c.mu.Unlock()
			annotateFromCache(ctx, c.inner.Name(), fp, e)
			return true, nil
		}
		if e.remaining-e.localUsed > 0 {
			e.localUsed++
			c.mu.Unlock()
			annotateFromCache(ctx, c.inner.Name(), fp, e)
			return false, nil
		}
		// Local quota exhausted — fall through to sync.
	}
	c.mu.Unlock()

	matched, err := c.inner.Matches(ctx, r)
	if err != nil {
		return false, err
	}

	md := rules.FromContext(ctx)
	var data map[string]interface{}
	var retryAfter time.Duration
	var count int64
	if md != nil {
		data = md.Data
		if ra, ok := md.Data["retry_after"].(time.Duration); ok {
			retryAfter = ra
		}
		if n, ok := md.Data["count"].(int64); ok {
			count = n
		}
	}

	c.mu.Lock()
	c.entries[fp] = &entry{
		matched:    matched,
		data:       data,
		remaining:  c.inner.Limit(r) - count,
		retryAfter: retryAfter,
		localUsed:  0,
		fetchedAt:  time.Now(),
	}
	c.evictIfOverCapacity()
	c.mu.Unlock()

	return matched, nil
}

func annotateFromCache(ctx context.Context, name, fp string, e *entry) {
	m := rules.FromContext(ctx)
	if m == nil {
		return
	}
	if e.matched {
		m.Matched = true
		m.MatchedRule = name
		m.MatchType = "throttle"
		m.Discriminator = fp
		m.Data = e.data
		return
	}
	m.Tracked = append(m.Tracked, rules.TrackedEntry{Rule: name, Discriminator: fp, Data: e.data})
}

// Close stops the background eviction goroutine.
func (c *Throttle) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
}

// Stats returns current cache statistics.
func (c *Throttle) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Keys: len(c.entries)}
}

// Stats holds cache occupancy statistics.
type Stats struct {
	Keys int
}

func (c *Throttle) expired(e *entry) bool {
	ttl := c.config.ttl

	// For denied results, use min(ttl, retryAfter) so we re-check when
	// the backend might allow again.
	if e.matched && e.retryAfter > 0 && e.retryAfter < ttl {
		ttl = e.retryAfter
	}

	return time.Since(e.fetchedAt) >= ttl
}

func (c *Throttle) evictIfOverCapacity() {
	if len(c.entries) <= c.config.maxKeys {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.fetchedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Throttle) evictionLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Throttle) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
		}
	}
}
