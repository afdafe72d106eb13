// Package scheduledstep holds the scheduler-private wrapper around a
// user-supplied step: its input buffer, sequence bookkeeping, and runnable
// state. None of this is exposed outside internal/scheduler.
package scheduledstep

import (
	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
)

// ScheduledStep wraps a user Step with the scheduler's dispatch bookkeeping.
// All fields are guarded by the scheduler's single queue lock; nothing here
// is safe for concurrent access on its own.
type ScheduledStep struct {
	ID   int
	Step step.Step

	// orderedBuffer maps sequence number -> pending chunk, used when
	// Step.Ordering() == step.Ordered.
	orderedBuffer map[uint64]chunk.Chunk
	// nextExpectedSeq is the sequence number this ordered step is waiting
	// for. Meaningless for unordered steps.
	nextExpectedSeq uint64

	// unorderedBuffer holds pending chunks for an unordered step, with no
	// ordering constraint on consumption.
	unorderedBuffer []*chunk.Envelope

	// Runnable is true while this step sits on a dispatch queue. A step must
	// never be queued twice concurrently.
	Runnable bool

	// InFlight counts invocations of Process currently executing for this
	// step (at most 1 in the base design, since a step is removed from its
	// queue on claim, but tracked for diagnostics and finalize-ordering
	// assertions).
	InFlight int

	// SourceDone is only meaningful for the source step (ID 0): true once
	// Process has returned an empty result, signalling end-of-stream.
	SourceDone bool

	// pendingSeq/pendingHasSeq stash the sequence context of the chunk this
	// step is currently processing, written by the scheduler under the
	// queue lock at claim time and read back (without the lock, safe since
	// only the claiming worker touches this step while it is claimed) once
	// Process returns.
	pendingSeq    uint64
	pendingHasSeq bool
}

// SetPending records the consumed envelope's sequence context for the
// in-flight invocation.
func (s *ScheduledStep) SetPending(seq uint64, hasSeq bool) {
	s.pendingSeq, s.pendingHasSeq = seq, hasSeq
}

// Pending returns the sequence context recorded by SetPending.
func (s *ScheduledStep) Pending() (seq uint64, hasSeq bool) {
	return s.pendingSeq, s.pendingHasSeq
}

// New creates a ScheduledStep wrapping s under id.
func New(id int, s step.Step) *ScheduledStep {
	ss := &ScheduledStep{ID: id, Step: s}
	if s.Ordering() == step.Ordered {
		ss.orderedBuffer = make(map[uint64]chunk.Chunk)
	}
	return ss
}

// IsSource reports whether this step is the pipeline's source (ID 0).
func (s *ScheduledStep) IsSource() bool { return s.ID == 0 }

// Enqueue inserts env into this step's input buffer. Returns true, without
// inserting, if an ordered step already holds a chunk for env.Seq (invariant 2 of spec.md
// §3: an ordered step's buffer holds at most one chunk per sequence number).
func (s *ScheduledStep) Enqueue(env *chunk.Envelope) (duplicate bool) {
	if s.Step.Ordering() == step.Ordered {
		if _, exists := s.orderedBuffer[env.Seq]; exists {
			return true
		}
		s.orderedBuffer[env.Seq] = env.Payload
		return false
	}
	s.unorderedBuffer = append(s.unorderedBuffer, env)
	return false
}

// ReadyToRun reports whether this step currently has a chunk it is allowed
// to consume next: for ordered steps, nextExpectedSeq must be present in
// the buffer; for unordered steps, any chunk present suffices; the source
// is ready until SourceDone.
func (s *ScheduledStep) ReadyToRun() bool {
	if s.IsSource() {
		return !s.SourceDone
	}
	if s.Step.Ordering() == step.Ordered {
		_, ok := s.orderedBuffer[s.nextExpectedSeq]
		return ok
	}
	return len(s.unorderedBuffer) > 0
}

// Dequeue removes and returns exactly one chunk this step is allowed to
// consume next, per ReadyToRun's rule. Callers must check ReadyToRun first
// (Dequeue panics otherwise, since that indicates a scheduler bug).
func (s *ScheduledStep) Dequeue() *chunk.Envelope {
	if s.Step.Ordering() == step.Ordered {
		payload, ok := s.orderedBuffer[s.nextExpectedSeq]
		if !ok {
			panic("scheduledstep: Dequeue called on a non-ready ordered step")
		}
		delete(s.orderedBuffer, s.nextExpectedSeq)
		env := chunk.New(s.nextExpectedSeq, payload)
		s.nextExpectedSeq++
		return env
	}

	n := len(s.unorderedBuffer)
	if n == 0 {
		panic("scheduledstep: Dequeue called on a non-ready unordered step")
	}
	env := s.unorderedBuffer[n-1]
	s.unorderedBuffer = s.unorderedBuffer[:n-1]
	return env
}

// DequeueRecycled pops one chunk from the source's recycle buffer (chunks
// routed back to step 0 per the §4.5 recycling convention), or returns nil
// if none is available. Only meaningful for the source step.
func (s *ScheduledStep) DequeueRecycled() chunk.Chunk {
	n := len(s.unorderedBuffer)
	if n == 0 {
		return nil
	}
	env := s.unorderedBuffer[n-1]
	s.unorderedBuffer = s.unorderedBuffer[:n-1]
	return env.Payload
}

// DrainRecycled discards every chunk currently sitting in the source's
// recycle buffer and reports how many were discarded. Called once the
// source has signalled end-of-stream: ReadyToRun never lets it run again,
// so without this any chunk already recycled back to it would hold
// liveChunks open forever.
func (s *ScheduledStep) DrainRecycled() int {
	n := len(s.unorderedBuffer)
	s.unorderedBuffer = nil
	return n
}

// BufferEmpty reports whether this step's input buffer holds no chunks —
// used by the scheduler to detect normal shutdown (spec.md §4.4.5).
func (s *ScheduledStep) BufferEmpty() bool {
	if s.Step.Ordering() == step.Ordered {
		return len(s.orderedBuffer) == 0
	}
	return len(s.unorderedBuffer) == 0
}
