// Package memory provides an in-process implementation of storage.Store.
//
// State is partitioned across a pool of stripes, each independently guarded
// by its own read-write lock, rather than one global mutex — so unrelated
// keys never contend with each other. A key's stripe is chosen by
// hash(key) mod len(stripes). A background reaper evicts expired entries
// on a timer, one stripe at a time. A panic while sweeping a stripe is
// recovered and logged, and the sweep goes on with the next stripe; the
// rest of the panicking stripe is left for the next pass.
//
//	s := memory.New()
//	defer s.Close()
package memory

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mira-oakes/throttlegate/storage"
)

const defaultStripes = 32
const defaultCleanupInterval = 60 * time.Second

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type gcraEntry struct {
	tat       time.Time
	expiresAt time.Time
}

type tokenBucketEntry struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

// stripe owns an independent lock and its own slice of the keyspace. Using
// per-stripe maps (rather than shared maps behind a single mutex) means a
// lock on stripe i never blocks traffic hashing to stripe j.
type stripe struct {
	mu       sync.RWMutex
	counters map[string]*counterEntry
	gcras    map[string]*gcraEntry
	buckets  map[string]*tokenBucketEntry
}

// Store implements storage.Store with in-process, stripe-locked state.
type Store struct {
	stripes []*stripe

	clock func() time.Time
	log   *zap.Logger

	cleanupInterval time.Duration
	closeCh         chan struct{}
	closeOnce       sync.Once
	done            chan struct{}
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	stripes         int
	cleanupInterval time.Duration
	clock           func() time.Time
	log             *zap.Logger
}

// WithStripes sets the number of lock stripes. Default 32. Keep this a
// power of two comfortably above expected contention.
func WithStripes(n int) Option {
	return func(c *storeConfig) {
		if n > 0 {
			c.stripes = n
		}
	}
}

// WithCleanupInterval overrides how often the background reaper sweeps for
// expired entries. Default 60s.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *storeConfig) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// WithClock injects a monotonic time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithLogger sets the logger used for reaper diagnostics. Default is a
// no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *storeConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a new in-process Store and starts its background reaper.
func New(opts ...Option) *Store {
	cfg := &storeConfig{
		stripes:         defaultStripes,
		cleanupInterval: defaultCleanupInterval,
		clock:           time.Now,
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Store{
		clock:           cfg.clock,
		log:             cfg.log,
		cleanupInterval: cfg.cleanupInterval,
		closeCh:         make(chan struct{}),
		done:            make(chan struct{}),
	}
	s.stripes = make([]*stripe, cfg.stripes)
	for i := range s.stripes {
		s.stripes[i] = &stripe{
			counters: make(map[string]*counterEntry),
			gcras:    make(map[string]*gcraEntry),
			buckets:  make(map[string]*tokenBucketEntry),
		}
	}
	go s.reapLoop()
	return s
}

// stripeFor returns the stripe owning key.
func (s *Store) stripeFor(key string) *stripe {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return s.stripes[h.Sum64()%uint64(len(s.stripes))]
}

func (s *Store) reapLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapOnce()
		case <-s.closeCh:
			return
		}
	}
}

// reapOnce sweeps every stripe for expired entries independently, so the
// reaper never holds more than one stripe's lock at a time. A panic while
// processing a stripe (e.g. a future bug touching a corrupted entry) is
// recovered and logged so the remaining stripes still get swept.
func (s *Store) reapOnce() {
	now := s.clock()
	for i, st := range s.stripes {
		s.reapStripe(i, st, now)
	}
}

func (s *Store) reapStripe(idx int, st *stripe, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("memory store: reaper recovered from panic", zap.Int("stripe", idx), zap.Any("panic", r))
		}
	}()

	st.mu.Lock()
	defer st.mu.Unlock()
	for k, e := range st.counters {
		if expired(e.expiresAt, now) {
			delete(st.counters, k)
		}
	}
	for k, e := range st.gcras {
		if expired(e.expiresAt, now) {
			delete(st.gcras, k)
		}
	}
	for k, e := range st.buckets {
		if expired(e.expiresAt, now) {
			delete(st.buckets, k)
		}
	}
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// Close stops the background reaper and waits for it to exit, up to a
// bounded grace period.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// ─── Counters ────────────────────────────────────────────────────────────────

func (s *Store) IncrementCounter(_ context.Context, key string, window time.Duration, amount int64) (int64, error) {
	st := s.stripeFor(key)
	now := s.clock()

	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.counters[key]
	if !ok || expired(e.expiresAt, now) {
		e = &counterEntry{expiresAt: now.Add(window)}
		st.counters[key] = e
	}
	e.count += amount
	return e.count, nil
}

func (s *Store) GetCounter(_ context.Context, key string, _ time.Duration) (int64, error) {
	st := s.stripeFor(key)
	now := s.clock()

	st.mu.RLock()
	defer st.mu.RUnlock()

	e, ok := st.counters[key]
	if !ok || expired(e.expiresAt, now) {
		return 0, nil
	}
	return e.count, nil
}

func (s *Store) GetCounterTTL(_ context.Context, key string, _ time.Duration) (time.Duration, error) {
	st := s.stripeFor(key)
	now := s.clock()

	st.mu.RLock()
	defer st.mu.RUnlock()

	e, ok := st.counters[key]
	if !ok || e.expiresAt.IsZero() || expired(e.expiresAt, now) {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

func (s *Store) ResetCounter(_ context.Context, key string, _ time.Duration) error {
	st := s.stripeFor(key)
	st.mu.Lock()
	delete(st.counters, key)
	st.mu.Unlock()
	return nil
}

// ─── GCRA ────────────────────────────────────────────────────────────────────

func (s *Store) CheckGCRA(_ context.Context, key string, emissionInterval, delayTolerance, ttl time.Duration, now time.Time) (storage.GCRAResult, error) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return gcraStep(st, key, emissionInterval, delayTolerance, ttl, now, true)
}

func (s *Store) PeekGCRA(_ context.Context, key string, emissionInterval, delayTolerance time.Duration, now time.Time) (storage.GCRAResult, error) {
	st := s.stripeFor(key)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return gcraStep(st, key, emissionInterval, delayTolerance, 0, now, false)
}

// gcraStep implements the §4.3 GCRA contract: tat <- max(stored, now);
// allow iff tat-now <= tolerance; on allow, advance tat by one emission
// interval. Callers must already hold the stripe lock (shared for peek,
// exclusive for check).
func gcraStep(st *stripe, key string, emissionInterval, delayTolerance, ttl time.Duration, now time.Time, mutate bool) (storage.GCRAResult, error) {
	e, ok := st.gcras[key]
	storedTAT := now
	if ok && !expired(e.expiresAt, now) {
		storedTAT = e.tat
	}

	tat := storedTAT
	if tat.Before(now) {
		tat = now
	}

	allow := tat.Sub(now) <= delayTolerance
	var retryAfter time.Duration
	newTAT := tat
	if allow {
		newTAT = tat.Add(emissionInterval)
	} else {
		retryAfter = tat.Sub(now) - delayTolerance
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	if mutate && allow {
		st.gcras[key] = &gcraEntry{tat: newTAT, expiresAt: now.Add(ttl)}
	}

	return storage.GCRAResult{Allowed: allow, RetryAfter: retryAfter, TAT: newTAT}, nil
}

// ─── Token bucket ────────────────────────────────────────────────────────────

func (s *Store) CheckTokenBucket(_ context.Context, key string, capacity int64, refillRate float64, ttl time.Duration, now time.Time) (storage.TokenBucketResult, error) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return tokenBucketStep(st, key, capacity, refillRate, ttl, now, true)
}

func (s *Store) PeekTokenBucket(_ context.Context, key string, capacity int64, refillRate float64, now time.Time) (storage.TokenBucketResult, error) {
	st := s.stripeFor(key)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return tokenBucketStep(st, key, capacity, refillRate, 0, now, false)
}

// tokenBucketStep implements the §4.4 token-bucket contract, with
// retryAfter rounded up to whole seconds. Callers must already hold the
// stripe lock.
func tokenBucketStep(st *stripe, key string, capacity int64, refillRate float64, ttl time.Duration, now time.Time, mutate bool) (storage.TokenBucketResult, error) {
	e, ok := st.buckets[key]
	tokens := float64(capacity)
	lastRefill := now
	if ok && !expired(e.expiresAt, now) {
		tokens = e.tokens
		lastRefill = e.lastRefill
	}

	if elapsed := now.Sub(lastRefill).Seconds(); elapsed > 0 {
		tokens = math.Min(float64(capacity), tokens+elapsed*refillRate)
	}

	allow := tokens >= 1
	var retryAfter time.Duration
	if allow {
		tokens--
	} else if refillRate > 0 {
		deficit := 1 - tokens
		retryAfter = time.Duration(math.Ceil(deficit/refillRate) * float64(time.Second))
	}

	if mutate {
		st.buckets[key] = &tokenBucketEntry{tokens: tokens, lastRefill: now, expiresAt: now.Add(ttl)}
	}

	return storage.TokenBucketResult{
		Allowed:         allow,
		RetryAfter:      retryAfter,
		TokensRemaining: int64(math.Floor(tokens)),
	}, nil
}

// ─── Misc ────────────────────────────────────────────────────────────────────

// Clear drops all in-memory state whose key contains pattern as a
// substring. An empty pattern clears everything. This mirrors the Redis
// backend's SCAN-based clear without needing to enumerate a remote
// keyspace: each stripe is cleared independently under its own lock.
func (s *Store) Clear(_ context.Context, pattern string) error {
	for _, st := range s.stripes {
		st.mu.Lock()
		for k := range st.counters {
			if matches(k, pattern) {
				delete(st.counters, k)
			}
		}
		for k := range st.gcras {
			if matches(k, pattern) {
				delete(st.gcras, k)
			}
		}
		for k := range st.buckets {
			if matches(k, pattern) {
				delete(st.buckets, k)
			}
		}
		st.mu.Unlock()
	}
	return nil
}

func (s *Store) Healthy(_ context.Context) bool { return true }

func matches(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
