// Package breaker provides the circuit-breaker collaborator that
// rules.Fail2Ban consults: a breaker keyed by identity that opens once a
// sliding window of recorded failures reaches a threshold, and stays open
// for a fixed reset timeout before clearing itself.
//
// It is adapted from a consecutive-failure circuit breaker into a
// sliding-window-within-findtime one, which is the shape fail2ban-style
// banning needs: "three failures in the last 60 seconds", not "three
// failures in a row".
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// CircuitBreaker opens once FailureThreshold failures are recorded within
// FailureWindow of each other, and stays open for ResetTimeout.
type CircuitBreaker struct {
	key              string
	failureThreshold int
	failureWindow    time.Duration
	resetTimeout     time.Duration
	clock            func() time.Time

	mu       sync.Mutex
	failures []time.Time
	openedAt time.Time
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock injects a time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.clock = now
		}
	}
}

// New constructs a breaker keyed by key. It opens after failureThreshold
// failures observed within failureWindow of each other, and remains open
// for resetTimeout before a subsequent Open() query clears it.
func New(key string, failureThreshold int, failureWindow, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		key:              key,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		resetTimeout:     resetTimeout,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Key returns the breaker's identity.
func (cb *CircuitBreaker) Key() string { return cb.key }

// Open reports whether the breaker is currently tripped. Querying past the
// reset timeout clears the breaker as a side effect, matching a lazy
// half-open-to-closed transition.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openLocked()
}

func (cb *CircuitBreaker) openLocked() bool {
	if cb.openedAt.IsZero() {
		return false
	}
	now := cb.clock()
	if now.Sub(cb.openedAt) >= cb.resetTimeout {
		cb.openedAt = time.Time{}
		cb.failures = nil
		return false
	}
	return true
}

// TimeUntilUnban returns how long remains before the breaker auto-clears,
// or zero if it is not open.
func (cb *CircuitBreaker) TimeUntilUnban() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.openLocked() {
		return 0
	}
	remaining := cb.resetTimeout - cb.clock().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordFailure pushes a failure observation into the sliding window,
// pruning entries older than failureWindow, and opens the breaker once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.failures = append(cb.failures, now)
	cutoff := now.Add(-cb.failureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept

	if cb.failureThreshold > 0 && len(cb.failures) >= cb.failureThreshold {
		cb.openedAt = now
		cb.failures = nil
	}
}

// Failures returns the count of failures currently inside the sliding
// window.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.failures)
}

// Call invokes fn if the breaker is closed, recording its outcome as a
// failure when it errors. It returns ErrOpen without invoking fn while
// open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if cb.Open() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
	}
	return err
}

// Reset hard-clears the breaker to closed with an empty failure window,
// used by Allow2Ban to reset a paired Fail2Ban breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.openedAt = time.Time{}
	cb.failures = nil
}

// Registry is a keyed collection of breakers, used by Fail2Ban/Allow2Ban
// pairs that share breaker identity by name rather than by Go reference.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns the breaker for key, constructing it via factory on
// first use.
func (r *Registry) GetOrCreate(key string, factory func() *CircuitBreaker) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := factory()
	r.breakers[key] = cb
	return cb
}

// Reset resets the breaker registered under key, if any.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()
	if ok {
		cb.Reset()
	}
}
