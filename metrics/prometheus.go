// Package metrics provides Prometheus instrumentation for throttlegate.
//
// Collector implements instrumentation.Instrumenter, so it attaches to a
// Limiter the same way any other event sink does:
//
//	collector := metrics.NewCollector()
//	limiter, _ := throttlegate.New("api", 100, time.Minute, throttlegate.GCRA, store,
//		throttlegate.WithInstrumenter(collector))
//
// It can also wrap an entire middleware.Config to count matched/unmatched
// decisions per rule category:
//
//	cfg = metrics.WrapPipeline(cfg, collector)
//
// All metrics are partitioned by algorithm (Limiter events) or rule
// category (pipeline events).
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mira-oakes/throttlegate/middleware"
	"github.com/mira-oakes/throttlegate/rules"
)

// Collector holds Prometheus metric vectors for throttlegate instrumentation.
type Collector struct {
	requests  *prometheus.CounterVec
	allowed   *prometheus.CounterVec
	throttled *prometheus.CounterVec
	errors    *prometheus.CounterVec

	ruleDecisions *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_checked_total        counter (algorithm)
//   - {namespace}_allowed_total         counter (algorithm)
//   - {namespace}_throttled_total       counter (algorithm)
//   - {namespace}_errors_total          counter (algorithm)
//   - {namespace}_rule_decisions_total  counter (category, decision)
//
// Default namespace is "throttlegate".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "throttlegate",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		o(cfg)
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "checked_total",
		Help:      "Total rate_limit.checked events partitioned by algorithm.",
	}, []string{"algorithm"})

	allowed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "allowed_total",
		Help:      "Total rate_limit.allowed events partitioned by algorithm.",
	}, []string{"algorithm"})

	throttled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "throttled_total",
		Help:      "Total rate_limit.throttled events partitioned by algorithm.",
	}, []string{"algorithm"})

	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "errors_total",
		Help:      "Total storage errors reported via RecordError, partitioned by algorithm.",
	}, []string{"algorithm"})

	ruleDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "rule_decisions_total",
		Help:      "Total pipeline rule evaluations partitioned by rule category and decision.",
	}, []string{"category", "decision"})

	cfg.registry.MustRegister(requests, allowed, throttled, errs, ruleDecisions)

	return &Collector{
		requests:      requests,
		allowed:       allowed,
		throttled:     throttled,
		errors:        errs,
		ruleDecisions: ruleDecisions,
	}
}

// Instrument implements instrumentation.Instrumenter. It records a counter
// for the named event and then runs block.
func (c *Collector) Instrument(_ context.Context, name string, payload map[string]interface{}, block func()) {
	alg := ""
	if v, ok := payload["algorithm"]; ok {
		alg = fmt.Sprintf("%v", v)
	}

	switch name {
	case "rate_limit.checked":
		c.requests.WithLabelValues(alg).Inc()
	case "rate_limit.allowed":
		c.allowed.WithLabelValues(alg).Inc()
	case "rate_limit.throttled":
		c.throttled.WithLabelValues(alg).Inc()
	}
	block()
}

// RecordError increments the error counter for algorithm. Callers that
// observe a StorageError out-of-band (outside the Instrumenter callback,
// e.g. in a failOpen branch they handle themselves) can report it here.
func (c *Collector) RecordError(algorithm string) {
	c.errors.WithLabelValues(algorithm).Inc()
}

// WrapPipeline returns a new middleware.Config in which every configured
// rule is wrapped to record a rule_decisions_total increment, labeled by
// its category (safelist/blocklist/fail2ban/allow2ban/throttle/track) and
// decision (matched/unmatched), every time it is evaluated.
func WrapPipeline(cfg middleware.Config, c *Collector) middleware.Config {
	return cfg.VisitRules(func(category string, r rules.Rule) rules.Rule {
		return &instrumentedRule{inner: r, category: category, collector: c}
	})
}

type instrumentedRule struct {
	inner     rules.Rule
	category  string
	collector *Collector
}

func (r *instrumentedRule) Name() string { return r.inner.Name() }

func (r *instrumentedRule) Matches(ctx context.Context, req *http.Request) (bool, error) {
	matched, err := r.inner.Matches(ctx, req)
	decision := "unmatched"
	if matched {
		decision = "matched"
	}
	r.collector.ruleDecisions.WithLabelValues(r.category, decision).Inc()
	return matched, err
}
