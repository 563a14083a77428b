// Package redisstore provides a Redis-backed implementation of
// storage.Store.
//
// It wraps redis.UniversalClient, which supports Redis standalone, Redis
// Cluster, and Redis Sentinel out of the box. Atomic operations run as
// server-side Lua scripts held in .lua files under scripts/ (embedded at
// build time) rather than as inline strings, so they can be reviewed and
// exercised as standalone programs. Scripts are cached by SHA1 and
// transparently reloaded on a NOSCRIPT error.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	defer s.Close()
package redisstore

import (
	"context"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mira-oakes/throttlegate/storage"
)

//go:embed scripts/incr_window.lua scripts/gcra.lua scripts/token_bucket.lua
var scriptFS embed.FS

const defaultScanCount = 200

// Store implements storage.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	log    *zap.Logger

	scriptsOnce sync.Once
	scriptsErr  error
	incrWindow  *script
	gcraCheck   *script
	tokenBucket *script
}

// script pairs a script's body with its lazily-loaded SHA1, so EvalSha can
// be tried first; on NOSCRIPT the body is reloaded with SCRIPT LOAD and
// EvalSha retried (plain Eval is used only if the load itself fails).
type script struct {
	mu   sync.RWMutex
	body string
	sha  string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used when a script must be reloaded after a
// NOSCRIPT error. Default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a Redis-backed Store from any UniversalClient (standalone
// *redis.Client, *redis.ClusterClient, *redis.Ring, or sentinel).
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

func (s *Store) loadScripts() error {
	s.scriptsOnce.Do(func() {
		incr, err := scriptFS.ReadFile("scripts/incr_window.lua")
		if err != nil {
			s.scriptsErr = err
			return
		}
		gcra, err := scriptFS.ReadFile("scripts/gcra.lua")
		if err != nil {
			s.scriptsErr = err
			return
		}
		tb, err := scriptFS.ReadFile("scripts/token_bucket.lua")
		if err != nil {
			s.scriptsErr = err
			return
		}
		s.incrWindow = &script{body: string(incr)}
		s.gcraCheck = &script{body: string(gcra)}
		s.tokenBucket = &script{body: string(tb)}
	})
	return s.scriptsErr
}

// run evaluates sc against keys/args, preferring EVALSHA with a cached SHA
// and falling back to a script load on the first call or a NOSCRIPT error.
func (s *Store) run(ctx context.Context, sc *script, keys []string, args ...interface{}) (interface{}, error) {
	sc.mu.RLock()
	sha := sc.sha
	sc.mu.RUnlock()

	if sha != "" {
		res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
		if err == nil || !isNoScript(err) {
			return res, err
		}
		s.log.Warn("redisstore: script evicted, reloading", zap.String("sha", sha))
	}

	newSHA, err := s.client.ScriptLoad(ctx, sc.body).Result()
	if err != nil {
		return s.client.Eval(ctx, sc.body, keys, args...).Result()
	}
	sc.mu.Lock()
	sc.sha = newSHA
	sc.mu.Unlock()

	return s.client.EvalSha(ctx, newSHA, keys, args...).Result()
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// ─── Counters ────────────────────────────────────────────────────────────────

func (s *Store) IncrementCounter(ctx context.Context, key string, window time.Duration, amount int64) (int64, error) {
	if err := s.loadScripts(); err != nil {
		return 0, &storage.Error{Op: "IncrementCounter", Err: err}
	}
	res, err := s.run(ctx, s.incrWindow, []string{key}, int64(window.Seconds()), amount)
	if err != nil {
		return 0, &storage.Error{Op: "IncrementCounter", Err: err}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, &storage.Error{Op: "IncrementCounter", Err: fmt.Errorf("unexpected script result: %v", res)}
	}
	count, _ := toInt64(vals[0])
	return count, nil
}

func (s *Store) GetCounter(ctx context.Context, key string, _ time.Duration) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, &storage.Error{Op: "GetCounter", Err: err}
	}
	n, _ := strconv.ParseInt(val, 10, 64)
	return n, nil
}

func (s *Store) GetCounterTTL(ctx context.Context, key string, _ time.Duration) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, &storage.Error{Op: "GetCounterTTL", Err: err}
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *Store) ResetCounter(ctx context.Context, key string, _ time.Duration) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &storage.Error{Op: "ResetCounter", Err: err}
	}
	return nil
}

// ─── GCRA ────────────────────────────────────────────────────────────────────

func (s *Store) CheckGCRA(ctx context.Context, key string, emissionInterval, delayTolerance, ttl time.Duration, now time.Time) (storage.GCRAResult, error) {
	return s.gcraCall(ctx, key, emissionInterval, delayTolerance, ttl, now, true)
}

func (s *Store) PeekGCRA(ctx context.Context, key string, emissionInterval, delayTolerance time.Duration, now time.Time) (storage.GCRAResult, error) {
	return s.gcraCall(ctx, key, emissionInterval, delayTolerance, 0, now, false)
}

func (s *Store) gcraCall(ctx context.Context, key string, emissionInterval, delayTolerance, ttl time.Duration, now time.Time, mutate bool) (storage.GCRAResult, error) {
	if err := s.loadScripts(); err != nil {
		return storage.GCRAResult{}, &storage.Error{Op: "CheckGCRA", Err: err}
	}
	res, err := s.run(ctx, s.gcraCheck, []string{key},
		emissionInterval.Seconds(), delayTolerance.Seconds(), ttl.Seconds(), unixFloat(now), boolArg(mutate))
	if err != nil {
		return storage.GCRAResult{}, &storage.Error{Op: "CheckGCRA", Err: err}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return storage.GCRAResult{}, &storage.Error{Op: "CheckGCRA", Err: fmt.Errorf("unexpected script result: %v", res)}
	}
	allowed, _ := toInt64(vals[0])
	retryAfter, _ := toFloat64(vals[1])
	tat, _ := toFloat64(vals[2])
	return storage.GCRAResult{
		Allowed:    allowed == 1,
		RetryAfter: secondsToDuration(retryAfter),
		TAT:        floatToTime(tat),
	}, nil
}

// ─── Token bucket ────────────────────────────────────────────────────────────

func (s *Store) CheckTokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, ttl time.Duration, now time.Time) (storage.TokenBucketResult, error) {
	return s.tokenBucketCall(ctx, key, capacity, refillRate, ttl, now, true)
}

func (s *Store) PeekTokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, now time.Time) (storage.TokenBucketResult, error) {
	return s.tokenBucketCall(ctx, key, capacity, refillRate, 0, now, false)
}

func (s *Store) tokenBucketCall(ctx context.Context, key string, capacity int64, refillRate float64, ttl time.Duration, now time.Time, mutate bool) (storage.TokenBucketResult, error) {
	if err := s.loadScripts(); err != nil {
		return storage.TokenBucketResult{}, &storage.Error{Op: "CheckTokenBucket", Err: err}
	}
	res, err := s.run(ctx, s.tokenBucket, []string{key},
		capacity, refillRate, ttl.Seconds(), unixFloat(now), boolArg(mutate))
	if err != nil {
		return storage.TokenBucketResult{}, &storage.Error{Op: "CheckTokenBucket", Err: err}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return storage.TokenBucketResult{}, &storage.Error{Op: "CheckTokenBucket", Err: fmt.Errorf("unexpected script result: %v", res)}
	}
	allowed, _ := toInt64(vals[0])
	retryAfter, _ := toInt64(vals[1])
	remaining, _ := toInt64(vals[2])
	return storage.TokenBucketResult{
		Allowed:         allowed == 1,
		RetryAfter:      time.Duration(retryAfter) * time.Second,
		TokensRemaining: remaining,
	}, nil
}

// ─── Misc ────────────────────────────────────────────────────────────────────

// Clear deletes every key matching pattern using SCAN + batched DEL, never
// a single blocking "list all keys" call. An empty pattern matches "*".
func (s *Store) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		pattern = "*"
	}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, defaultScanCount).Result()
		if err != nil {
			return &storage.Error{Op: "Clear", Err: err}
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return &storage.Error{Op: "Clear", Err: err}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) Healthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─── conversions ─────────────────────────────────────────────────────────────

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func floatToTime(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

func secondsToDuration(sec float64) time.Duration {
	if sec < 0 {
		sec = 0
	}
	return time.Duration(sec * float64(time.Second))
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
