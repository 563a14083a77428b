package ginmw_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mira-oakes/throttlegate"
	"github.com/mira-oakes/throttlegate/middleware/ginmw"
	"github.com/mira-oakes/throttlegate/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/api/data", func(c *gin.Context) { c.String(200, "ok") })
	r.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func newLimiter(t *testing.T, limit int64) *throttlegate.Limiter {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	l, err := throttlegate.New("api", limit, time.Minute, throttlegate.FixedWindow, store)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestRateLimit_AllowsWithinLimit(t *testing.T) {
	limiter := newLimiter(t, 5)
	router := newRouter(ginmw.RateLimit(limiter, ginmw.KeyByClientIP))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		router.ServeHTTP(w, req)

		if w.Code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "5" {
			t.Errorf("request %d: expected limit=5, got %s", i+1, w.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_DeniesExceedingLimit(t *testing.T) {
	limiter := newLimiter(t, 2)
	router := newRouter(ginmw.RateLimit(limiter, ginmw.KeyByClientIP))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/data", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		router.ServeHTTP(w, req)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	router.ServeHTTP(w, req)

	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_ExcludePaths(t *testing.T) {
	limiter := newLimiter(t, 1)
	router := newRouter(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter:      limiter,
		KeyFunc:      ginmw.KeyByClientIP,
		ExcludePaths: map[string]bool{"/health": true},
	}))

	// Exhaust limit
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	router.ServeHTTP(w, req)

	// Health should bypass
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	router.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("health should bypass, got %d", w.Code)
	}
}

func TestRateLimit_CustomDeniedHandler(t *testing.T) {
	limiter := newLimiter(t, 1)
	customCalled := false
	router := newRouter(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter: limiter,
		KeyFunc: ginmw.KeyByClientIP,
		DeniedHandler: func(c *gin.Context, _ int64) {
			customCalled = true
			c.AbortWithStatusJSON(429, gin.H{"custom": true})
		},
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "11.0.0.1:1234"
	router.ServeHTTP(w, req)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "11.0.0.1:1234"
	router.ServeHTTP(w, req)

	if !customCalled {
		t.Error("custom denied handler should be called")
	}
}

func TestRateLimit_HeadersDisabled(t *testing.T) {
	limiter := newLimiter(t, 5)
	noHeaders := false
	router := newRouter(ginmw.RateLimitWithConfig(ginmw.Config{
		Limiter: limiter,
		KeyFunc: ginmw.KeyByClientIP,
		Headers: &noHeaders,
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.RemoteAddr = "12.0.0.1:1234"
	router.ServeHTTP(w, req)

	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("headers should not be set")
	}
}
