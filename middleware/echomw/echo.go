// Package echomw provides a direct, single-Limiter Echo adapter.
//
// Separated from the middleware package so that importing the full rule
// pipeline does not pull in github.com/labstack/echo. This is sugar over
// a single throttlegate.Limiter, not the rule pipeline in
// middleware.Handler.
//
// Usage:
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	e := echo.New()
//	e.Use(echomw.RateLimit(limiter, echomw.KeyByRealIP))
package echomw

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mira-oakes/throttlegate"
)

// KeyFunc extracts a per-request fingerprint from an Echo context. The
// middleware does not call it; see the note on ginmw.KeyFunc.
type KeyFunc func(c echo.Context) string

// DeniedHandler is called when a request is throttled.
type DeniedHandler func(c echo.Context, retryAfter int64) error

// ErrorHandler is called when the limiter returns an unexpected error.
type ErrorHandler func(c echo.Context, err error) error

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

// RateLimit creates Echo middleware with default settings.
func RateLimit(limiter *throttlegate.Limiter, keyFunc KeyFunc) echo.MiddlewareFunc {
	return RateLimitWithConfig(Config{
		Limiter: limiter,
		KeyFunc: keyFunc,
	})
}

// RateLimitWithConfig creates Echo middleware with full configuration control.
func RateLimitWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Limiter == nil {
		panic("echomw: Limiter is required")
	}
	if cfg.DeniedHandler == nil {
		cfg.DeniedHandler = defaultDeniedHandler
	}
	sendHeaders := cfg.Headers == nil || *cfg.Headers

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.ExcludePaths != nil && cfg.ExcludePaths[c.Request().URL.Path] {
				return next(c)
			}

			err := cfg.Limiter.Throttle(c.Request().Context())

			var throttled *throttlegate.ThrottledError
			if err != nil && !errors.As(err, &throttled) {
				if cfg.ErrorHandler == nil {
					return next(c)
				}
				return cfg.ErrorHandler(c, err)
			}

			if sendHeaders {
				setHeaders(c, cfg.Limiter)
			}

			if throttled != nil {
				retryAfter := int64(throttled.RetryAfter.Seconds() + 0.5)
				if retryAfter > 0 {
					c.Response().Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				}
				return cfg.DeniedHandler(c, retryAfter)
			}

			return next(c)
		}
	}
}

// ─── Built-in Key Extractors ─────────────────────────────────────────────────

// KeyByRealIP uses Echo's RealIP() which respects X-Forwarded-For / X-Real-IP.
func KeyByRealIP(c echo.Context) string {
	return c.RealIP()
}

// KeyByHeader returns a KeyFunc that extracts from a request header.
func KeyByHeader(header string) KeyFunc {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// KeyByParam returns a KeyFunc that extracts from a path parameter.
func KeyByParam(param string) KeyFunc {
	return func(c echo.Context) string {
		return c.Param(param)
	}
}

// KeyByPathAndIP combines the request path and real IP.
func KeyByPathAndIP(c echo.Context) string {
	return c.Path() + ":" + c.RealIP()
}

// ─── Internals ───────────────────────────────────────────────────────────────

func setHeaders(c echo.Context, limiter *throttlegate.Limiter) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Limit(), 10))
	remaining, err := limiter.Remaining(c.Request().Context())
	if err == nil {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	}
}

func defaultDeniedHandler(c echo.Context, _ int64) error {
	return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}
