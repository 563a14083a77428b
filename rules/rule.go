package rules

import (
	"context"
	"net/http"
	"time"
)

// Rule is a single filter rule. Matches reports whether the rule
// produces a decisive verdict for r, annotating ctx's Metadata as a side
// effect regardless of the outcome.
type Rule interface {
	Name() string
	Matches(ctx context.Context, r *http.Request) (bool, error)
}

// Extractor derives a request's fingerprint for a rule. An empty string
// means the rule does not apply to this request.
type Extractor func(r *http.Request) string

// LimitFunc resolves a dynamic limit against the request. It is
// recomputed on every call, never cached across requests.
type LimitFunc func(r *http.Request) int64

// PeriodFunc resolves a dynamic period against the request.
type PeriodFunc func(r *http.Request) time.Duration

// ConstLimit wraps a fixed limit as a LimitFunc.
func ConstLimit(n int64) LimitFunc {
	return func(*http.Request) int64 { return n }
}

// ConstPeriod wraps a fixed period as a PeriodFunc.
func ConstPeriod(d time.Duration) PeriodFunc {
	return func(*http.Request) time.Duration { return d }
}
