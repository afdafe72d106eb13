package scheduler

import (
	"github.com/me/pipelinecore/internal/scheduledstep"
	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/pipelineerr"
	"github.com/me/pipelinecore/pkg/step"
)

// finishClaimLocked applies the result of one Process invocation: on
// failure it flags the pipeline for shutdown; on success it stamps and
// routes every output, enforces the per-invocation output contract of
// spec.md §3, and re-evaluates runnability of every step the invocation
// touched. Called with queueLock held.
func (s *Scheduler) finishClaimLocked(ss *scheduledstep.ScheduledStep, wasIO bool, outputs []step.Output, consumedSeq uint64, hasSeq bool, err error) {
	ss.InFlight--
	if wasIO {
		s.ioActive = false
	}

	if err != nil {
		if sf, ok := err.(*pipelineerr.StepFailure); ok {
			s.failLocked(sf)
		} else {
			s.failLocked(pipelineerr.NewStepFailure(ss.ID, consumedSeq, hasSeq, err))
		}
		return
	}

	if ss.IsSource() {
		if len(outputs) == 0 {
			s.sourceDone = true
			ss.SourceDone = true
			// The source will never run again to drain its own recycle
			// buffer via DequeueRecycled; anything already sitting there
			// must not keep liveChunks from reaching zero.
			s.liveChunks -= ss.DrainRecycled()
		}
	} else if len(outputs) == 0 && s.reachesOrderedLocked(ss.ID) {
		s.failLocked(pipelineerr.NewInvariantViolation(ss.ID, consumedSeq, hasSeq,
			"non-source step returned no output but has an ordered downstream reachable from it"))
		return
	}

	var outSeq uint64
	hasOutSeq := hasSeq
	if ss.IsSource() {
		hasOutSeq = true
	}

	affected := map[int]bool{ss.ID: true}

	for _, out := range outputs {
		target, ok := s.steps[out.Target]
		if !ok {
			s.failLocked(pipelineerr.NewRoutingError(ss.ID, out.Target))
			return
		}

		s.recordEdgeLocked(ss.ID, out.Target)

		if ss.IsSource() {
			outSeq = s.chunkSeq
			s.chunkSeq++
		} else {
			outSeq = consumedSeq
		}

		if target.IsSource() && target.SourceDone {
			// A chunk recycled back to the source after it has already
			// signalled end-of-stream has nowhere to go: the source never
			// runs again, so buffering it would hold liveChunks open
			// forever. Drop it.
			continue
		}

		if dup := target.Enqueue(chunk.New(outSeq, out.Payload)); dup {
			s.failLocked(pipelineerr.NewInvariantViolation(out.Target, outSeq, hasOutSeq,
				"ordered step received a second chunk for the same sequence number"))
			return
		}
		s.liveChunks++
		affected[out.Target] = true
	}

	for id := range affected {
		s.tryRequeueLocked(s.steps[id])
	}
}

// tryRequeueLocked pushes ss onto its runnable queue if it isn't already
// queued or executing and has become eligible to run.
func (s *Scheduler) tryRequeueLocked(ss *scheduledstep.ScheduledStep) {
	if ss.Runnable || ss.InFlight > 0 {
		return
	}
	if !s.readyToRunLocked(ss) {
		return
	}
	ss.Runnable = true
	s.pushRunnableLocked(ss)
}

// readyToRunLocked is ScheduledStep.ReadyToRun augmented with the source's
// high-water throttle (spec.md §4.4.4): the source is held back once
// liveChunks reaches the configured high-water mark, bounding memory held
// in step input buffers.
func (s *Scheduler) readyToRunLocked(ss *scheduledstep.ScheduledStep) bool {
	if ss.IsSource() && s.cfg.LiveChunkHighWater > 0 && s.liveChunks >= s.cfg.LiveChunkHighWater {
		return false
	}
	return ss.ReadyToRun()
}

// pushRunnableLocked places a newly-runnable step onto the queue matching
// its I/O attribute.
func (s *Scheduler) pushRunnableLocked(ss *scheduledstep.ScheduledStep) {
	if ss.Step.FileIO() {
		s.ioQueue = append(s.ioQueue, ss.ID)
	} else {
		s.calcQueue = append(s.calcQueue, ss.ID)
	}
}

// recordEdgeLocked remembers that `from` has routed to `to`, used to decide
// whether a non-source step with no ordered downstream is exempt from the
// must-return-at-least-one-output rule.
func (s *Scheduler) recordEdgeLocked(from, to int) {
	m := s.downstream[from]
	if m == nil {
		m = make(map[int]bool)
		s.downstream[from] = m
	}
	m[to] = true
}

// reachesOrderedLocked reports whether any step transitively reachable from
// stepID (via previously observed routing edges) is an ordered step. A step
// with no observed outgoing edges vacuously satisfies "every reachable
// downstream is unordered" and returns false.
func (s *Scheduler) reachesOrderedLocked(stepID int) bool {
	visited := map[int]bool{stepID: true}
	queue := []int{stepID}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for next := range s.downstream[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if t, ok := s.steps[next]; ok && t.Step.Ordering() == step.Ordered {
				return true
			}
			queue = append(queue, next)
		}
	}
	return false
}

// failLocked flags the pipeline for shutdown, recording the first error
// only (subsequent failures during drain are not overwritten).
func (s *Scheduler) failLocked(err error) {
	if s.errored {
		return
	}
	s.errored = true
	s.firstErr = err
}
