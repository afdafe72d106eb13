// Package scheduler implements the multithreaded pipeline scheduler: a
// worker pool dispatching a registered set of steps through two FIFO
// runnable queues (compute and I/O), preserving per-step ordering
// guarantees and serializing access to the shared I/O slot.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/pipelinecore/internal/logging"
	"github.com/me/pipelinecore/internal/primitives"
	"github.com/me/pipelinecore/internal/scheduledstep"
	"github.com/me/pipelinecore/pkg/pipelineerr"
	"github.com/me/pipelinecore/pkg/step"
)

// sourceStepID is the conventional ID of the pipeline's source step.
const sourceStepID = 0

// Config configures a Scheduler's resource limits. Zero values take the
// defaults documented in spec.md §6.
type Config struct {
	// LiveChunkHighWater throttles the source once this many chunks sit in
	// step input buffers. Zero means 4*nthreads, computed once Run is
	// called.
	LiveChunkHighWater int
	// DeadlockTimeout, if non-zero, surfaces a StepFailure if no worker has
	// made dispatch progress for this long. Zero disables the watchdog,
	// which is optional per spec.md §8.
	DeadlockTimeout time.Duration
}

// Scheduler is the multithreaded pipeline scheduler. Create with New,
// register steps with AddStep, then call Run exactly once.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	steps map[int]*scheduledstep.ScheduledStep

	// queueLock guards everything below it, exactly as spec.md §5 requires:
	// both runnable queues, ioActive, every ScheduledStep's mutable fields,
	// liveChunks, sourceDone, errors, and chunkSeq.
	queueLock    *primitives.GuardedLock
	calcQueue    []int
	ioQueue      []int
	ioActive     bool
	liveChunks   int
	sourceDone   bool
	errored      bool
	firstErr     error
	chunkSeq     uint64
	lastProgress time.Time
	downstream   map[int]map[int]bool // observed routing edges, for the empty-output exception

	started bool
}

// New creates an empty Scheduler.
func New(logger *slog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		logger:     logging.Component(logger, "scheduler"),
		steps:      make(map[int]*scheduledstep.ScheduledStep),
		queueLock:  primitives.NewGuardedLock(),
		downstream: make(map[int]map[int]bool),
	}
}

// AddStep registers s under id. Fails with ConfigurationError if id is
// already registered or Run has already been called. The scheduler takes
// ownership of s for the duration of its own lifetime.
func (s *Scheduler) AddStep(id int, impl step.Step) error {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if s.started {
		return pipelineerr.NewConfigurationError("add_step(%d) called after run has started", id)
	}
	if _, exists := s.steps[id]; exists {
		return pipelineerr.NewConfigurationError("duplicate step id %d", id)
	}
	s.steps[id] = scheduledstep.New(id, impl)
	return nil
}

// Run spawns nthreads-1 worker goroutines and participates as worker 0
// itself, blocking until the pipeline drains or an error is flagged.
// Returns true on success, false if any error was flagged (including an
// AbortSignal). Preconditions: nthreads >= 1, step 0 registered, Run not
// previously called.
func (s *Scheduler) Run(ctx context.Context, nthreads int) bool {
	if err := s.start(nthreads); err != nil {
		s.logger.Error("run preconditions failed", "error", err)
		return false
	}

	stopWatchdog := s.startWatchdog()

	var wg sync.WaitGroup
	wg.Add(nthreads - 1)
	for i := 1; i < nthreads; i++ {
		go func(id primitives.WorkerID) {
			defer wg.Done()
			s.workerLoop(ctx, id)
		}(primitives.WorkerID(i))
	}

	s.workerLoop(ctx, primitives.WorkerID(0))
	wg.Wait()
	stopWatchdog()

	s.queueLock.Lock()
	errored := s.errored
	firstErr := s.firstErr
	s.queueLock.Unlock()

	if errored {
		if firstErr != nil && !pipelineerr.IsAbort(firstErr) {
			s.logger.Error("pipeline terminated with error", "error", firstErr)
		} else if firstErr != nil {
			s.logger.Debug("pipeline aborted", "error", firstErr)
		}
		return false
	}

	if err := s.finalizeAll(ctx); err != nil {
		s.logger.Error("finalize failed", "error", err)
		return false
	}

	return true
}

// Snapshot is a point-in-time view of dispatch progress, safe to read while
// a run is in flight (it briefly takes queueLock). Deliberately flat and
// dependency-free so callers like internal/statusserver can adapt it
// without this package importing them.
type Snapshot struct {
	Running         bool
	ChunksProcessed uint64
	LiveChunks      int
	Errored         bool
}

// Snapshot reports the scheduler's current dispatch state.
func (s *Scheduler) Snapshot() Snapshot {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	return Snapshot{
		Running:         s.started && !s.sourceDone,
		ChunksProcessed: s.chunkSeq,
		LiveChunks:      s.liveChunks,
		Errored:         s.errored,
	}
}

func (s *Scheduler) start(nthreads int) error {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if s.started {
		return pipelineerr.NewConfigurationError("run called more than once")
	}
	if nthreads < 1 {
		return pipelineerr.NewConfigurationError("nthreads must be >= 1, got %d", nthreads)
	}
	if len(s.steps) == 0 {
		return pipelineerr.NewConfigurationError("no steps registered")
	}
	src, ok := s.steps[sourceStepID]
	if !ok {
		return pipelineerr.NewConfigurationError("no step registered under source id %d", sourceStepID)
	}

	if s.cfg.LiveChunkHighWater <= 0 {
		s.cfg.LiveChunkHighWater = 4 * nthreads
	}

	s.started = true
	s.lastProgress = time.Now()
	s.tryRequeueLocked(src)
	return nil
}
