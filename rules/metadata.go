// Package rules implements the individual filter rule types the
// middleware pipeline evaluates per request: safelist, blocklist,
// throttle, track, fail2ban, and allow2ban. Each rule exposes Matches,
// which reports a verdict and annotates request-scoped metadata as a side
// effect; rules never render responses themselves, that is the
// middleware's job.
package rules

import "context"

// Metadata is attached to a request's context by the middleware before
// any rule runs, and mutated by rules as they evaluate. MatchedRule,
// MatchType, Discriminator, and Data describe whichever rule produced the
// pipeline's decisive verdict (safelist/blocklist/throttle/fail2ban).
// A Throttle that admits a request also fills MatchedRule, MatchType,
// Discriminator, and Data, and leaves Matched false. Track rules never set these — they append to Tracked instead, since
// more than one tracker may annotate the same request without any of
// them deciding its outcome.
type Metadata struct {
	Matched       bool
	MatchedRule   string
	MatchType     string
	Discriminator string
	Data          map[string]interface{}

	Tracked []TrackedEntry
}

// TrackedEntry is one Track rule's non-decisive annotation.
type TrackedEntry struct {
	Rule          string
	Discriminator string
	Data          map[string]interface{}
}

type ctxKey struct{}

// NewContext returns a child context carrying a fresh, empty Metadata for
// the middleware to populate as it evaluates rules.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &Metadata{})
}

// FromContext returns the Metadata attached by NewContext, or nil if none
// is present.
func FromContext(ctx context.Context) *Metadata {
	m, _ := ctx.Value(ctxKey{}).(*Metadata)
	return m
}

func annotateMatch(ctx context.Context, rule, matchType, discriminator string, data map[string]interface{}) {
	m := FromContext(ctx)
	if m == nil {
		return
	}
	m.Matched = true
	m.MatchedRule = rule
	m.MatchType = matchType
	m.Discriminator = discriminator
	m.Data = data
}

func annotateTrack(ctx context.Context, rule, discriminator string, data map[string]interface{}) {
	m := FromContext(ctx)
	if m == nil {
		return
	}
	m.Tracked = append(m.Tracked, TrackedEntry{Rule: rule, Discriminator: discriminator, Data: data})
}
