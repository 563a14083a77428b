package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mira-oakes/throttlegate"
	"github.com/mira-oakes/throttlegate/metrics"
	"github.com/mira-oakes/throttlegate/middleware"
	"github.com/mira-oakes/throttlegate/rules"
	"github.com/mira-oakes/throttlegate/storage/memory"
)

func TestCollector_RecordsCheckedAllowedThrottled(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	store := memory.New()
	defer store.Close()

	l, err := throttlegate.New("k1", 2, time.Minute, throttlegate.FixedWindow, store, throttlegate.WithInstrumenter(collector))
	if err != nil {
		t.Fatal(err)
	}
	ctx := t.Context()

	for i := 0; i < 2; i++ {
		if err := l.Throttle(ctx); err != nil {
			t.Fatalf("request %d: expected allowed, got %v", i+1, err)
		}
	}
	if err := l.Throttle(ctx); err == nil {
		t.Fatal("request 3: expected throttled")
	}
	if _, err := l.Allow(ctx); err != nil {
		t.Fatal(err)
	}

	assertCounter(t, reg, "throttlegate_allowed_total", map[string]string{"algorithm": "fixed_window"}, 2)
	assertCounter(t, reg, "throttlegate_throttled_total", map[string]string{"algorithm": "fixed_window"}, 1)
	assertCounter(t, reg, "throttlegate_checked_total", map[string]string{"algorithm": "fixed_window"}, 1)
}

func TestCollectorOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		metrics.WithRegistry(reg),
		metrics.WithNamespace("myapp"),
		metrics.WithSubsystem("api"),
	)

	store := memory.New()
	defer store.Close()

	l, err := throttlegate.New("k1", 10, time.Minute, throttlegate.TokenBucket, store, throttlegate.WithInstrumenter(collector))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Throttle(t.Context()); err != nil {
		t.Fatal(err)
	}

	assertCounter(t, reg, "myapp_api_allowed_total", map[string]string{"algorithm": "token_bucket"}, 1)
}

func TestWrapPipeline_CountsRuleDecisionsByCategory(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	store := memory.New()
	defer store.Close()

	cfg := middleware.New().
		SafelistIP("vip", "9.9.9.9").
		Throttle(rules.NewThrottle("api", rules.RemoteIP, rules.ConstLimit(1), rules.ConstPeriod(time.Minute), throttlegate.FixedWindow, store))
	cfg = metrics.WrapPipeline(cfg, collector)

	h := middleware.Handler(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1"
	h.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "1.2.3.4:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req2)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request throttled, got %d", rec.Code)
	}

	assertCounter(t, reg, "throttlegate_rule_decisions_total", map[string]string{"category": "safelist", "decision": "unmatched"}, 2)
	assertCounter(t, reg, "throttlegate_rule_decisions_total", map[string]string{"category": "throttle", "decision": "unmatched"}, 1)
	assertCounter(t, reg, "throttlegate_rule_decisions_total", map[string]string{"category": "throttle", "decision": "matched"}, 1)
}

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels)
	if val != want {
		t.Errorf("%s%v = %v, want %v", name, labels, val, want)
	}
}

func gatherMetricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	if len(labels) > 0 {
		return 0
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	pairs := m.GetLabel()
	if len(pairs) < len(want) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}
