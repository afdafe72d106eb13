// Package pipelineerr defines the scheduler's error taxonomy: configuration
// errors detected before a run starts, step failures and routing errors
// detected during a run, invariant violations that indicate a scheduler or
// step bug, and the distinguished AbortSignal that terminates a run without
// an extra diagnostic.
package pipelineerr

import (
	"errors"
	"fmt"
)

// ErrAbort is the sentinel a step returns from Process (wrapped or bare) to
// request silent termination: the scheduler sets its errors flag and
// returns false from Run, but suppresses the default diagnostic since the
// step has presumably already reported one.
var ErrAbort = errors.New("pipeline aborted")

// IsAbort reports whether err is, or wraps, ErrAbort.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAbort)
}

// ConfigurationError is raised at configuration time (add_step with a
// duplicate ID, run with no source registered); Run never starts.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// StepFailure wraps an error a step's Process or Finalize raised, with the
// step and sequence context needed for diagnostics.
type StepFailure struct {
	StepID int
	Seq    uint64
	HasSeq bool
	Err    error
}

func (e *StepFailure) Error() string {
	if e.HasSeq {
		return fmt.Sprintf("step %d failed at seq %d: %v", e.StepID, e.Seq, e.Err)
	}
	return fmt.Sprintf("step %d failed: %v", e.StepID, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// NewStepFailure wraps err with step context. seq is ignored when hasSeq is
// false (e.g. a finalize failure, which has no associated chunk).
func NewStepFailure(stepID int, seq uint64, hasSeq bool, err error) *StepFailure {
	return &StepFailure{StepID: stepID, Seq: seq, HasSeq: hasSeq, Err: err}
}

// RoutingError is a StepFailure raised when a (target, chunk) pair names an
// unregistered step ID.
func NewRoutingError(fromStep, target int) *StepFailure {
	return NewStepFailure(fromStep, 0, false,
		fmt.Errorf("output routed to unregistered step id %d", target))
}

// InvariantViolation is a StepFailure raised when the scheduler detects its
// own internal invariants have been broken — by a misbehaving step (e.g. a
// duplicate sequence number delivered to an ordered step, or a non-source
// step with an ordered downstream returning no output) or, in principle, by
// a scheduler bug.
func NewInvariantViolation(stepID int, seq uint64, hasSeq bool, format string, args ...any) *StepFailure {
	return NewStepFailure(stepID, seq, hasSeq, fmt.Errorf("invariant violation: %s", fmt.Sprintf(format, args...)))
}
