// Package instrumentation provides a passive event-emission capability for
// throttlegate's Limiter and middleware pipeline.
//
// It is deliberately a single-method interface with a no-op default, not a
// logging or metrics framework dependency — wrap an Instrumenter around
// whatever sink an application already uses (Prometheus via the metrics
// package, structured logs, a pub/sub bus) rather than the other way
// around.
package instrumentation

import "context"

// Instrumenter emits a named event with a payload around the execution of
// block. Implementations that don't need to wrap execution (e.g. a simple
// log sink) can just call block() and record payload before or after.
type Instrumenter interface {
	Instrument(ctx context.Context, name string, payload map[string]interface{}, block func())
}

// Null is the default Instrumenter: it runs block and discards the event.
type Null struct{}

// Instrument runs block and discards name/payload.
func (Null) Instrument(_ context.Context, _ string, _ map[string]interface{}, block func()) {
	block()
}

// Func adapts a plain function into an Instrumenter for simple sinks that
// don't need to wrap execution.
type Func func(ctx context.Context, name string, payload map[string]interface{})

// Instrument calls block, then fn with the event.
func (f Func) Instrument(ctx context.Context, name string, payload map[string]interface{}, block func()) {
	block()
	if f != nil {
		f(ctx, name, payload)
	}
}
