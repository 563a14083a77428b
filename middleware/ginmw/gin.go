// Package ginmw provides a direct, single-Limiter Gin adapter.
//
// Separated from the middleware package so that importing the full rule
// pipeline does not pull in github.com/gin-gonic/gin. This is sugar over a
// single throttlegate.Limiter, not the rule pipeline in middleware.Handler
// — for safelist/blocklist/fail2ban composition in a Gin app, wrap
// middleware.Handler itself with gin.WrapH instead.
//
// Usage:
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(limiter, ginmw.KeyByClientIP))
package ginmw

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mira-oakes/throttlegate"
)

// KeyFunc extracts a per-request fingerprint from a Gin context. Config
// carries it, but the middleware never calls it: the Limiter passed to
// RateLimit is already bound to a single key, and ExcludePaths is matched
// against the request path, not against a fingerprint.
type KeyFunc func(c *gin.Context) string

// DeniedHandler is called when a request is throttled.
type DeniedHandler func(c *gin.Context, retryAfter int64)

// ErrorHandler is called when the limiter returns an unexpected error.
type ErrorHandler func(c *gin.Context, err error)

// Config holds the rate limit middleware configuration.
type Config struct {
	// Limiter is the bound Limiter to consume from (required).
	Limiter *throttlegate.Limiter

	// KeyFunc is carried in the config but not called by the middleware.
	KeyFunc KeyFunc

	// DeniedHandler is called on denial. Default: 429 JSON.
	DeniedHandler DeniedHandler

	// ErrorHandler is called on limiter error. Default: pass-through (fail open).
	ErrorHandler ErrorHandler

	// ExcludePaths are request paths that bypass rate limiting.
	ExcludePaths map[string]bool

	// Headers controls whether X-RateLimit-* headers are set.
	// Default: true.
	Headers *bool
}

// RateLimit creates Gin middleware with default settings.
func RateLimit(limiter *throttlegate.Limiter, keyFunc KeyFunc) gin.HandlerFunc {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Gin middleware with full configuration control.
func RateLimitWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Limiter == nil {
		panic("ginmw: Limiter is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *gin.Context) {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		err := cfg.Limiter.Throttle(c.Request.Context())

		var throttled *throttlegate.ThrottledError
		if err != nil && !errors.As(err, &throttled) {
			cfg.ErrorHandler(c, err)
			return
		}

		if sendHeaders {
			setHeaders(c, cfg.Limiter)
		}

		if throttled != nil {
			retryAfter := int64(throttled.RetryAfter.Seconds() + 0.5)
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			}
			cfg.DeniedHandler(c, retryAfter)
			return
		}

		c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByClientIP uses Gin's ClientIP() which respects trusted proxies.
func KeyByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *gin.Context) string {
		return c.GetHeader(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a URL parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *gin.Context) string {
		return c.Param(param)
	}
}

// KeyByPathAndIP combines the request path and client IP.
func KeyByPathAndIP(c *gin.Context) string {
	return c.FullPath() + ":" + c.ClientIP()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c *gin.Context, limiter *throttlegate.Limiter) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(limiter.Limit(), 10))
	remaining, err := limiter.Remaining(c.Request.Context())
	if err == nil {
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	}
}

func defaultDeniedHandler(c *gin.Context, _ int64) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}

func defaultErrorHandler(c *gin.Context, _ error) {
	c.Next()
}
