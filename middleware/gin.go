// This file is kept for discoverability only: the concrete Gin adapter
// lives in the ginmw sub-package, so importing it doesn't pull
// github.com/gin-gonic/gin into projects that only need the net/http
// pipeline in this package.
//
// Import:
//
//	import "github.com/mira-oakes/throttlegate/middleware/ginmw"
//
// Usage (direct single-Limiter adapter, not the full rule pipeline):
//
//	limiter, _ := throttlegate.New("api", 1000, 50*time.Second, throttlegate.GCRA, store)
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(limiter, ginmw.KeyByClientIP))
//
// Key extractors:
//
//	ginmw.KeyByClientIP            — Gin's ClientIP() with trusted proxy support
//	ginmw.KeyByHeader("X-API-Key") — value from request header
//	ginmw.KeyByParam("id")         — value from URL parameter
//	ginmw.KeyByPathAndIP           — path + client IP for per-endpoint limits
//
// Full config:
//
//	ginmw.RateLimitWithConfig(ginmw.Config{
//	    Limiter:       limiter,
//	    KeyFunc:       ginmw.KeyByClientIP,
//	    ExcludePaths:  map[string]bool{"/health": true},
//	    DeniedHandler: customHandler,
//	})
//
// See package github.com/mira-oakes/throttlegate/middleware/ginmw for the
// full API.
package middleware
