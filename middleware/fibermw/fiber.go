// Package fibermw provides a direct, single-Limiter Fiber adapter.
//
// Separated from the middleware package so that importing the full rule
// pipeline does not pull in github.com/gofiber/fiber. Fiber uses fasthttp
// (not net/http), so a dedicated adapter is required. This is sugar over
// a single throttlegate.Limiter, not the rule pipeline in
// middleware.Handler.
//
// Usage:
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(limiter, fibermw.KeyByIP))
package fibermw

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mira-oakes/throttlegate"
)

// KeyFunc extracts a per-request fingerprint from a Fiber context. The
// middleware does not call it; see the note on ginmw.KeyFunc.
type KeyFunc func(c *fiber.Ctx) string

// DeniedHandler is called when a request is throttled.
type DeniedHandler func(c *fiber.Ctx, retryAfter int64) error

// ErrorHandler is called when the limiter returns an unexpected error.
type ErrorHandler func(c *fiber.Ctx, err error) error

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

// RateLimit creates Fiber middleware with default settings.
func RateLimit(limiter *throttlegate.Limiter, keyFunc KeyFunc) fiber.Handler {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Fiber middleware with full configuration control.
func RateLimitWithConfig(cfg Config) fiber.Handler {
	if cfg.Limiter == nil {
		panic("fibermw: Limiter is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(c *fiber.Ctx) error {
		if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Path()] {
			return c.Next()
		}

		err := cfg.Limiter.Throttle(c.UserContext())

		var throttled *throttlegate.ThrottledError
		if err != nil && !errors.As(err, &throttled) {
			return cfg.ErrorHandler(c, err)
		}

		if sendHeaders {
			setHeaders(c, cfg.Limiter)
		}

		if throttled != nil {
			retryAfter := int64(throttled.RetryAfter.Seconds() + 0.5)
			if retryAfter > 0 {
				c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			}
			return cfg.DeniedHandler(c, retryAfter)
		}

		return c.Next()
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByIP uses Fiber's IP() method which respects proxy headers.
func KeyByIP(c *fiber.Ctx) string {
	return c.IP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a route parameter.
func KeyByParam(param string) KeyFunc {
	return func(c *fiber.Ctx) string {
		return c.Params(param)
	}
}

// KeyByPathAndIP combines the request path and client IP.
func KeyByPathAndIP(c *fiber.Ctx) string {
	return c.Path() + ":" + c.IP()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c *fiber.Ctx, limiter *throttlegate.Limiter) {
	c.Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Limit(), 10))
	remaining, err := limiter.Remaining(c.UserContext())
	if err == nil {
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	}
}

func defaultDeniedHandler(c *fiber.Ctx, _ int64) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
}

func defaultErrorHandler(c *fiber.Ctx, _ error) error {
	return c.Next()
}
