package cache

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mira-oakes/throttlegate"
	"github.com/mira-oakes/throttlegate/rules"
	"github.com/mira-oakes/throttlegate/storage/memory"
)

func newReq(remoteAddr string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	return r.WithContext(rules.NewContext(r.Context()))
}

func TestCachedThrottle_ServesFromLocalQuota(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(5), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(5*time.Second))
	defer c.Close()

	for i := 0; i < 5; i++ {
		req := newReq("1.2.3.4:1")
		matched, err := c.Matches(req.Context(), req)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if matched {
			t.Fatalf("request %d: expected not matched (not yet throttled)", i)
		}
	}
}

func TestCachedThrottle_DenialCachedUntilRetryAfter(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(1), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(5*time.Second))
	defer c.Close()

	req := newReq("1.2.3.4:1")
	if matched, err := c.Matches(req.Context(), req); err != nil || matched {
		t.Fatalf("first request should be admitted, matched=%v err=%v", matched, err)
	}

	req2 := newReq("1.2.3.4:1")
	matched, err := c.Matches(req2.Context(), req2)
	if err != nil || !matched {
		t.Fatalf("second request should be throttled by backend, matched=%v err=%v", matched, err)
	}

	// Third request should be served from the cached denial without
	// re-consulting the backend counter.
	req3 := newReq("1.2.3.4:1")
	matched, err = c.Matches(req3.Context(), req3)
	if err != nil || !matched {
		t.Fatalf("third request should be served from cached denial, matched=%v err=%v", matched, err)
	}
}

func TestCachedThrottle_TTLExpirySyncsBackend(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(2), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(20*time.Millisecond))
	defer c.Close()

	req := newReq("1.2.3.4:1")
	if _, err := c.Matches(req.Context(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Cache entry expired; this consumes the second and last local unit
	// directly against the backend and must still succeed.
	req2 := newReq("1.2.3.4:1")
	matched, err := c.Matches(req2.Context(), req2)
	if err != nil || matched {
		t.Fatalf("expected not matched, got matched=%v err=%v", matched, err)
	}
}

func TestCachedThrottle_MultipleFingerprintsTrackedIndependently(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(1), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(5*time.Second))
	defer c.Close()

	for _, addr := range []string{"1.1.1.1:1", "2.2.2.2:1", "3.3.3.3:1"} {
		req := newReq(addr)
		matched, err := c.Matches(req.Context(), req)
		if err != nil || matched {
			t.Fatalf("%s: expected admission on first request, matched=%v err=%v", addr, matched, err)
		}
	}

	stats := c.Stats()
	if stats.Keys != 3 {
		t.Fatalf("expected 3 cached fingerprints, got %d", stats.Keys)
	}
}

func TestCachedThrottle_MaxKeysEvictsOldest(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(10), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(5*time.Second), WithMaxKeys(2))
	defer c.Close()

	req1 := newReq("1.1.1.1:1")
	c.Matches(req1.Context(), req1)
	time.Sleep(time.Millisecond)
	req2 := newReq("2.2.2.2:1")
	c.Matches(req2.Context(), req2)

	if got := c.Stats().Keys; got != 2 {
		t.Fatalf("expected 2 keys, got %d", got)
	}

	req3 := newReq("3.3.3.3:1")
	c.Matches(req3.Context(), req3)

	if got := c.Stats().Keys; got != 2 {
		t.Fatalf("expected eviction to keep key count at 2, got %d", got)
	}
}

func TestCachedThrottle_AnnotatesMetadataOnCacheHit(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(5), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(5*time.Second))
	defer c.Close()

	req := newReq("1.2.3.4:1")
	c.Matches(req.Context(), req)

	req2 := newReq("1.2.3.4:1")
	c.Matches(req2.Context(), req2)

	md := rules.FromContext(req2.Context())
	if md == nil || len(md.Tracked) != 1 {
		t.Fatalf("expected cache-hit admission annotated as tracked, got %+v", md)
	}
	if md.Tracked[0].Discriminator != "1.2.3.4" {
		t.Fatalf("expected discriminator 1.2.3.4, got %q", md.Tracked[0].Discriminator)
	}
}

func TestCachedThrottle_ConcurrentAccess(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(100000), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(time.Second))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				req := newReq("9.9.9.9:1")
				if _, err := c.Matches(req.Context(), req); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()
}

func TestCachedThrottle_EmptyFingerprintNeverMatches(t *testing.T) {
	store := memory.New()
	defer store.Close()

	inner := rules.NewThrottle("api", func(*http.Request) string { return "" }, rules.ConstLimit(1), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store)
	c := New(inner, WithTTL(time.Second))
	defer c.Close()

	req := newReq("1.2.3.4:1")
	matched, err := c.Matches(req.Context(), req)
	if err != nil || matched {
		t.Fatalf("expected no match for empty fingerprint, matched=%v err=%v", matched, err)
	}
	if c.Stats().Keys != 0 {
		t.Fatal("expected no cache entry for empty fingerprint")
	}
}
