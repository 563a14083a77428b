// This file is kept for discoverability only: the concrete Fiber adapter
// lives in the fibermw sub-package, so importing it doesn't pull
// github.com/gofiber/fiber into projects that only need the net/http
// pipeline in this package. Fiber uses fasthttp (not net/http) so a
// dedicated adapter is required.
//
// Import:
//
//	import "github.com/mira-oakes/throttlegate/middleware/fibermw"
//
// Usage (direct single-Limiter adapter, not the full rule pipeline):
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(limiter, fibermw.KeyByIP))
//
// Key extractors:
//
//	fibermw.KeyByIP                — Fiber's IP() with proxy support
//	fibermw.KeyByHeader("X-API-Key") — value from request header
//	fibermw.KeyByParam("id")       — value from route parameter
//	fibermw.KeyByPathAndIP         — path + IP for per-endpoint limits
//
// Full config:
//
//	fibermw.RateLimitWithConfig(fibermw.Config{
//	    Limiter:       limiter,
//	    KeyFunc:       fibermw.KeyByIP,
//	    ExcludePaths:  map[string]bool{"/health": true},
//	    DeniedHandler: customHandler,
//	})
//
// See package github.com/mira-oakes/throttlegate/middleware/fibermw for the
// full API.
package middleware
