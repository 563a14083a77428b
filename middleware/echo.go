// This file is kept for discoverability only: the concrete Echo adapter
// lives in the echomw sub-package, so importing it doesn't pull
// github.com/labstack/echo into projects that only need the net/http
// pipeline in this package.
//
// Import:
//
//	import "github.com/mira-oakes/throttlegate/middleware/echomw"
//
// Usage (direct single-Limiter adapter, not the full rule pipeline):
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	e := echo.New()
//	e.Use(echomw.RateLimit(limiter, echomw.KeyByRealIP))
//
// Key extractors:
//
//	echomw.KeyByRealIP             — Echo's RealIP() with proxy support
//	echomw.KeyByHeader("X-API-Key") — value from request header
//	echomw.KeyByParam("id")        — value from path parameter
//	echomw.KeyByPathAndIP          — path + real IP for per-endpoint limits
//
// Full config:
//
//	echomw.RateLimitWithConfig(echomw.Config{
//	    Limiter:       limiter,
//	    KeyFunc:       echomw.KeyByRealIP,
//	    ExcludePaths:  map[string]bool{"/health": true},
//	    DeniedHandler: customHandler,
//	})
//
// See package github.com/mira-oakes/throttlegate/middleware/echomw for the
// full API.
package middleware
