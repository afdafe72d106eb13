// Package step defines the processing-unit contract implemented by pipeline
// steps and consumed by the scheduler. A step never sees scheduler-internal
// state — only the chunk it was handed.
package step

import (
	"context"

	"github.com/me/pipelinecore/pkg/chunk"
)

// Ordering describes whether a step must observe its inputs in ascending
// sequence order, or may consume them in any order.
type Ordering int

const (
	// Ordered steps are dispatched exactly one input at a time, in ascending
	// sequence-number order. File-I/O steps are typically ordered so that
	// output order matches input order.
	Ordered Ordering = iota
	// Unordered steps may be dispatched on any buffered chunk; pure compute
	// steps are typically unordered so they can run out of order in parallel.
	Unordered
)

func (o Ordering) String() string {
	if o == Ordered {
		return "ordered"
	}
	return "unordered"
}

// Output is one outbound (destination step ID, chunk payload) pair returned
// by Process. The scheduler stamps the payload with the sequence number of
// the envelope that was consumed to produce it (or, for the source, a fresh
// monotonically increasing sequence number).
type Output struct {
	Target  int
	Payload chunk.Chunk
}

// Step is a user-supplied processing unit. Process may run on any worker
// (subject to the scheduler's ordering and I/O-exclusion guarantees), but
// never on two workers at once for the same step: a step is claimed by one
// worker per invocation. Finalize runs once, serially, after the stream
// drains.
//
// Contract of Process: a non-source step MUST always return at least one
// outbound pair per invocation (even a sentinel) so that ordered downstream
// steps can advance their sequence counter — unless every transitively
// reachable downstream step is unordered. The source step (registered under
// ID 0) is invoked with a nil payload and signals end-of-stream by returning
// an empty, nil-error result.
type Step interface {
	// Ordering reports whether this step requires ordered dispatch.
	Ordering() Ordering
	// FileIO reports whether this step contends for the shared I/O slot.
	FileIO() bool
	// Process runs the step on one input chunk (nil only for the source) and
	// returns zero or more outbound (target, payload) pairs. It may return
	// pipelineerr.ErrAbort to terminate the pipeline without an additional
	// diagnostic, or any other error to report a StepFailure.
	Process(ctx context.Context, payload chunk.Chunk) ([]Output, error)
	// Finalize is invoked exactly once per step, after the pipeline drains
	// successfully, serially in ascending step-ID order. Default
	// implementations may embed NopFinalizer.
	Finalize(ctx context.Context) error
}

// NopFinalizer implements a no-op Finalize for steps that need no cleanup.
// Embed it in a step struct to satisfy the Step interface's Finalize method.
type NopFinalizer struct{}

// Finalize does nothing.
func (NopFinalizer) Finalize(context.Context) error { return nil }
