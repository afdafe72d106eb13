package scheduler

import (
	"context"
	"time"

	"github.com/me/pipelinecore/internal/primitives"
	"github.com/me/pipelinecore/internal/scheduledstep"
	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/pipelineerr"
	"github.com/me/pipelinecore/pkg/step"
)

// workerLoop is the dispatch loop run by every one of the scheduler's
// nthreads workers, including worker 0 (the calling goroutine). It
// implements spec.md §4.4.2's claim/execute/requeue cycle.
func (s *Scheduler) workerLoop(ctx context.Context, id primitives.WorkerID) {
	for {
		s.queueLock.Lock()

		if s.shutdownLocked() {
			s.queueLock.Broadcast()
			s.queueLock.Unlock()
			return
		}

		ss, payload, isIO, ok := s.claimLocked()
		if !ok {
			s.waitForWorkLocked(ctx)
			s.queueLock.Unlock()
			continue
		}

		s.queueLock.Unlock()

		outputs, consumedSeq, hasSeq, err := s.executeClaimed(ctx, id, ss, payload)

		s.queueLock.Lock()
		s.finishClaimLocked(ss, isIO, outputs, consumedSeq, hasSeq, err)
		s.queueLock.Broadcast()
		s.queueLock.Unlock()
	}
}

// shutdownLocked reports whether a worker should exit the dispatch loop:
// errors have been flagged, or the pipeline has drained (source exhausted
// and every step's input buffer empty, with nothing in flight).
func (s *Scheduler) shutdownLocked() bool {
	if s.errored {
		return true
	}
	if !s.sourceDone {
		return false
	}
	for _, ss := range s.steps {
		if ss.InFlight > 0 {
			return false
		}
		if ss.IsSource() {
			continue
		}
		if !ss.BufferEmpty() {
			return false
		}
	}
	return s.liveChunks == 0
}

// claimLocked pops one runnable step off the appropriate queue per the
// io-exclusion policy: I/O steps may run only if no other I/O step is
// currently active; otherwise compute steps take priority when available.
func (s *Scheduler) claimLocked() (ss *scheduledstep.ScheduledStep, payload chunk.Chunk, isIO bool, ok bool) {
	switch {
	case !s.ioActive && len(s.ioQueue) > 0:
		id := s.ioQueue[0]
		s.ioQueue = s.ioQueue[1:]
		s.ioActive = true
		ss = s.steps[id]
		isIO = true
	case len(s.calcQueue) > 0:
		id := s.calcQueue[0]
		s.calcQueue = s.calcQueue[1:]
		ss = s.steps[id]
	default:
		return nil, nil, false, false
	}

	ss.Runnable = false
	ss.InFlight++

	if !ss.IsSource() {
		env := ss.Dequeue()
		s.liveChunks--
		payload = env.Payload
		ss.SetPending(env.Seq, true)
	} else {
		ss.SetPending(0, false)
		if recycled := ss.DequeueRecycled(); recycled != nil {
			s.liveChunks--
			payload = recycled
		}
	}

	// A chunk just left a buffer; the source may have been throttled by the
	// high-water mark and is now eligible again.
	if src := s.steps[sourceStepID]; src != nil {
		s.tryRequeueLocked(src)
	}

	s.lastProgress = time.Now()
	return ss, payload, isIO, true
}

// waitForWorkLocked blocks on the work-available condition, or, if ctx is
// already done, records a StepFailure wrapping ctx.Err() instead of waiting
// (the caller's next loop iteration then observes shutdown via the errored
// flag).
// A parked worker relies entirely on some other goroutine's Broadcast to
// wake it back up; the deadlock watchdog (startWatchdog) is what notices a
// genuine stall and supplies that Broadcast, since nothing here can
// re-check a timeout while blocked in Wait.
func (s *Scheduler) waitForWorkLocked(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.failLocked(pipelineerr.NewStepFailure(-1, 0, false, ctx.Err()))
	default:
		s.queueLock.Wait()
	}
}

// startWatchdog launches a background goroutine that periodically checks
// for dispatch stalls when cfg.DeadlockTimeout is set, returning a func the
// caller stops it with once the dispatch loop has exited. Disabled
// (returns a no-op stop) when DeadlockTimeout is zero, per spec.md §8's
// watchdog being optional.
func (s *Scheduler) startWatchdog() (stop func()) {
	if s.cfg.DeadlockTimeout <= 0 {
		return func() {}
	}

	interval := s.cfg.DeadlockTimeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.checkWatchdog()
			}
		}
	}()
	return func() { close(done) }
}

// checkWatchdog flags a deadlock failure and broadcasts if no dispatch
// progress has been made within DeadlockTimeout. This is the only thing
// that re-evaluates the stall condition once every worker is parked in
// Wait(): without it, a genuine stall hangs forever, since Wait has no
// timeout of its own and nothing else would ever Broadcast again.
func (s *Scheduler) checkWatchdog() {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if s.errored || s.shutdownLocked() {
		return
	}
	if time.Since(s.lastProgress) <= s.cfg.DeadlockTimeout {
		return
	}
	s.failLocked(pipelineerr.NewInvariantViolation(-1, 0, false,
		"no dispatch progress for %s; likely deadlock (a non-source step may have stalled an ordered downstream)", s.cfg.DeadlockTimeout))
	s.queueLock.Broadcast()
}

// executeClaimed runs the claimed step's Process outside the queue lock, as
// required by spec.md §5 ("User steps SHOULD NOT hold scheduler-internal
// locks"). For the source, payload carries an optional recycled chunk (nil
// if none is available); for every other step, payload is the one buffered
// chunk this invocation consumes.
func (s *Scheduler) executeClaimed(ctx context.Context, worker primitives.WorkerID, ss *scheduledstep.ScheduledStep, payload chunk.Chunk) (outputs []step.Output, consumedSeq uint64, hasSeq bool, err error) {
	s.logger.Debug("executing step", "step_id", ss.ID, "worker", int(worker), "source", ss.IsSource())

	outputs, err = ss.Step.Process(ctx, payload)

	consumedSeq, hasSeq = ss.Pending()
	return outputs, consumedSeq, hasSeq, err
}
