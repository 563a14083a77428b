package rules

import (
	"context"
	"net/http"
)

// Predicate reports whether r matches a safelist or blocklist rule.
type Predicate func(r *http.Request) bool

// Safelist is a pure predicate rule. A match causes the middleware to
// delegate to the handler immediately, skipping every remaining rule.
type Safelist struct {
	name      string
	predicate Predicate
}

// NewSafelist constructs a Safelist named name, matching whenever
// predicate returns true.
func NewSafelist(name string, predicate Predicate) *Safelist {
	return &Safelist{name: name, predicate: predicate}
}

// SafelistIP constructs a Safelist matching requests whose RemoteIP is
// exactly one of ips, or falls inside one of ips parsed as a CIDR block.
func SafelistIP(name string, ips ...string) *Safelist {
	return NewSafelist(name, func(r *http.Request) bool {
		return ipMatches(RemoteIP(r), ips)
	})
}

func (s *Safelist) Name() string { return s.name }

// Matches runs the predicate and annotates ctx on a match.
func (s *Safelist) Matches(ctx context.Context, r *http.Request) (bool, error) {
	if !s.predicate(r) {
		return false, nil
	}
	annotateMatch(ctx, s.name, "safelist", "", nil)
	return true, nil
}
