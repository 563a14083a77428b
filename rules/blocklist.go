package rules

import (
	"context"
	"net/http"
)

// Blocklist is a pure predicate rule. A match causes the middleware to
// render the blocklisted response without evaluating the handler.
type Blocklist struct {
	name      string
	predicate Predicate
}

// NewBlocklist constructs a Blocklist named name, matching whenever
// predicate returns true.
func NewBlocklist(name string, predicate Predicate) *Blocklist {
	return &Blocklist{name: name, predicate: predicate}
}

// BlocklistIP constructs a Blocklist matching requests whose RemoteIP is
// exactly one of ips, or falls inside one of ips parsed as a CIDR block.
func BlocklistIP(name string, ips ...string) *Blocklist {
	return NewBlocklist(name, func(r *http.Request) bool {
		return ipMatches(RemoteIP(r), ips)
	})
}

func (b *Blocklist) Name() string { return b.name }

// Matches runs the predicate and annotates ctx on a match.
func (b *Blocklist) Matches(ctx context.Context, r *http.Request) (bool, error) {
	if !b.predicate(r) {
		return false, nil
	}
	annotateMatch(ctx, b.name, "blocklist", "", nil)
	return true, nil
}
