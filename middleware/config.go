// Package middleware implements the request-filtering pipeline: an
// ordered evaluation of safelist, blocklist, fail2ban, allow2ban,
// throttle, and track rules around a net/http handler.
//
// Config is an owned, copy-on-write configuration value rather than
// ambient mutable global state — each DSL method (Safelist, Throttle,
// Fail2Ban, ...) returns a new Config with the rule appended, so hot-reload
// can swap in a new Config without any middleware instance observing a
// half-updated one.
package middleware

import (
	"net/http"

	"github.com/mira-oakes/throttlegate/rules"
)

// Responder renders a response for a decisive verdict. md carries the
// metadata the matching rule annotated.
type Responder func(w http.ResponseWriter, r *http.Request, md *rules.Metadata)

// ErrorResponder renders a response for an unexpected rule evaluation
// error (typically a storage failure).
type ErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// Config is an immutable snapshot of the pipeline's rules and responders.
// Every mutating method returns a new Config; the receiver is left
// untouched.
type Config struct {
	enabled bool

	safelists  []rules.Rule
	blocklists []rules.Rule
	fail2bans  []rules.Rule
	allow2bans []rules.Rule
	throttles  []rules.Rule
	trackers   []rules.Rule

	throttledResponder   Responder
	blocklistedResponder Responder
	errorResponder       ErrorResponder
}

// New returns an empty, enabled Config with the default throttled,
// blocklisted, and error responders.
func New() Config {
	return Config{
		enabled:              true,
		throttledResponder:   defaultThrottledResponder,
		blocklistedResponder: defaultBlocklistedResponder,
		errorResponder:       defaultErrorResponder,
	}
}

// Safelist appends a safelist rule, returning a new Config.
func (c Config) Safelist(r *rules.Safelist) Config {
	c.safelists = appendRule(c.safelists, rules.Rule(r))
	return c
}

// SafelistIP is a convenience wrapping rules.SafelistIP.
func (c Config) SafelistIP(name string, ips ...string) Config {
	return c.Safelist(rules.SafelistIP(name, ips...))
}

// Blocklist appends a blocklist rule, returning a new Config.
func (c Config) Blocklist(r *rules.Blocklist) Config {
	c.blocklists = appendRule(c.blocklists, rules.Rule(r))
	return c
}

// BlocklistIP is a convenience wrapping rules.BlocklistIP.
func (c Config) BlocklistIP(name string, ips ...string) Config {
	return c.Blocklist(rules.BlocklistIP(name, ips...))
}

// Throttle appends a throttle rule, returning a new Config. t may be a
// plain *rules.Throttle or any rules.Rule that wraps one, such as a
// cache.Throttle adding an L1 layer in front of it.
func (c Config) Throttle(t rules.Rule) Config {
	c.throttles = appendRule(c.throttles, t)
	return c
}

// Track appends a track rule, returning a new Config.
func (c Config) Track(t rules.Rule) Config {
	c.trackers = appendRule(c.trackers, t)
	return c
}

// Fail2Ban appends a fail2ban rule, returning a new Config.
func (c Config) Fail2Ban(f rules.Rule) Config {
	c.fail2bans = appendRule(c.fail2bans, f)
	return c
}

// Allow2Ban appends an allow2ban rule, returning a new Config.
func (c Config) Allow2Ban(a rules.Rule) Config {
	c.allow2bans = appendRule(c.allow2bans, a)
	return c
}

// ThrottledResponder overrides the response rendered on a throttle match.
func (c Config) ThrottledResponder(fn Responder) Config {
	c.throttledResponder = fn
	return c
}

// BlocklistedResponder overrides the response rendered on a blocklist or
// fail2ban match.
func (c Config) BlocklistedResponder(fn Responder) Config {
	c.blocklistedResponder = fn
	return c
}

// ErrorResponder overrides the response rendered when a rule's evaluation
// itself errors (e.g. a storage failure).
func (c Config) ErrorResponder(fn ErrorResponder) Config {
	c.errorResponder = fn
	return c
}

// Disable turns the entire pipeline off: every request delegates straight
// to the handler.
func (c Config) Disable() Config {
	c.enabled = false
	return c
}

// Enable turns the pipeline back on.
func (c Config) Enable() Config {
	c.enabled = true
	return c
}

func appendRule[T any](s []T, v T) []T {
	next := make([]T, len(s)+1)
	copy(next, s)
	next[len(s)] = v
	return next
}

// VisitRules returns a new Config with every rule in every category
// passed through fn, which receives the category name
// (safelist/blocklist/fail2ban/allow2ban/throttle/track) and the rule,
// and returns the rule to install in its place. It lets a collaborator
// such as metrics.WrapPipeline instrument every configured rule without
// depending on Config's internal layout.
func (c Config) VisitRules(fn func(category string, r rules.Rule) rules.Rule) Config {
	c.safelists = mapRules(c.safelists, "safelist", fn)
	c.blocklists = mapRules(c.blocklists, "blocklist", fn)
	c.fail2bans = mapRules(c.fail2bans, "fail2ban", fn)
	c.allow2bans = mapRules(c.allow2bans, "allow2ban", fn)
	c.throttles = mapRules(c.throttles, "throttle", fn)
	c.trackers = mapRules(c.trackers, "track", fn)
	return c
}

func mapRules(s []rules.Rule, category string, fn func(string, rules.Rule) rules.Rule) []rules.Rule {
	next := make([]rules.Rule, len(s))
	for i, r := range s {
		next[i] = fn(category, r)
	}
	return next
}
