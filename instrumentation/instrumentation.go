// Package instrumentation is the Instrumenter collaborator: a thin
// observability seam the Consumer calls around every user-callback
// invocation. Event names are stable ("process_message.consumer",
// "process_batch.consumer") so external tooling can key off them
// regardless of backend.
package instrumentation

import "context"

const (
	EventProcessMessage = "process_message.consumer"
	EventProcessBatch   = "process_batch.consumer"
)

// Instrumenter wraps a single unit of work with timing/tracing/metrics.
// fn is invoked exactly once, inside the instrumented scope, so that
// span timing and failures capture the callback itself rather than the
// dispatch machinery around it.
type Instrumenter interface {
	Instrument(ctx context.Context, event string, attrs map[string]any, fn func(context.Context) error) error
}

// Noop is an Instrumenter that adds no overhead: it calls fn directly.
type Noop struct{}

func (Noop) Instrument(ctx context.Context, _ string, _ map[string]any, fn func(context.Context) error) error {
	return fn(ctx)
}

var _ Instrumenter = Noop{}
