package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/pipelineerr"
	"github.com/me/pipelinecore/pkg/step"
)

// fnStep adapts a closure pair to the step.Step interface for table-driven
// scheduler tests, avoiding a new named type per scenario.
type fnStep struct {
	step.NopFinalizer
	ordering step.Ordering
	fileIO   bool
	process  func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error)
}

func (f *fnStep) Ordering() step.Ordering { return f.ordering }
func (f *fnStep) FileIO() bool            { return f.fileIO }
func (f *fnStep) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	return f.process(ctx, payload)
}

func mustAddStep(t *testing.T, s *Scheduler, id int, impl step.Step) {
	t.Helper()
	if err := s.AddStep(id, impl); err != nil {
		t.Fatalf("AddStep(%d): %v", id, err)
	}
}

// TestIdentityPipeline exercises the simplest two-step shape: a source
// emitting a fixed number of integers, and an unordered sink step collecting
// them. All emitted values must eventually reach the sink exactly once.
func TestIdentityPipeline(t *testing.T) {
	const n = 50
	var emitted int64

	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			i := atomic.AddInt64(&emitted, 1)
			if i > n {
				return nil, nil
			}
			return []step.Output{{Target: 1, Payload: int(i)}}, nil
		},
	}

	var mu sync.Mutex
	var received []int
	sink := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			mu.Lock()
			received = append(received, payload.(int))
			mu.Unlock()
			return nil, nil
		},
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, sink)

	if ok := s.Run(context.Background(), 4); !ok {
		t.Fatalf("Run returned false")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != n {
		t.Fatalf("got %d chunks, want %d", len(received), n)
	}
}

// TestParallelCompute checks that an unordered compute step between source
// and sink transforms every value correctly even when run with many workers,
// i.e. ordering is not required to be preserved but delivery is.
func TestParallelCompute(t *testing.T) {
	const n = 200
	var emitted int64

	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			i := atomic.AddInt64(&emitted, 1)
			if i > n {
				return nil, nil
			}
			return []step.Output{{Target: 1, Payload: int(i)}}, nil
		},
	}
	double := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			return []step.Output{{Target: 2, Payload: payload.(int) * 2}}, nil
		},
	}

	var mu sync.Mutex
	sum := 0
	sink := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			mu.Lock()
			sum += payload.(int)
			mu.Unlock()
			return nil, nil
		},
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, double)
	mustAddStep(t, s, 2, sink)

	if ok := s.Run(context.Background(), 8); !ok {
		t.Fatalf("Run returned false")
	}

	want := n * (n + 1) // sum(1..n)*2
	if sum != want {
		t.Fatalf("sum = %d, want %d", sum, want)
	}
}

// TestIOExclusion verifies that two file-I/O steps never execute
// concurrently: a shared counter must never observe more than one active
// I/O invocation at a time.
func TestIOExclusion(t *testing.T) {
	const n = 60
	var emitted int64

	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			i := atomic.AddInt64(&emitted, 1)
			if i > n {
				return nil, nil
			}
			target := 1
			if i%2 == 0 {
				target = 2
			}
			return []step.Output{{Target: target, Payload: int(i)}}, nil
		},
	}

	var active int32
	var violated atomic.Bool
	ioWork := func() func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
		return func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			if atomic.AddInt32(&active, 1) > 1 {
				violated.Store(true)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			return []step.Output{{Target: 3, Payload: payload}}, nil
		}
	}
	// Unordered: each of these receives only every other global sequence
	// number, which an ordered step could never do (it would stall waiting
	// for a seq that was routed to its sibling instead). I/O exclusion is
	// orthogonal to ordering, so unordered file-I/O steps exercise it fine.
	readA := &fnStep{ordering: step.Unordered, fileIO: true, process: ioWork()}
	readB := &fnStep{ordering: step.Unordered, fileIO: true, process: ioWork()}

	sink := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) { return nil, nil },
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, readA)
	mustAddStep(t, s, 2, readB)
	mustAddStep(t, s, 3, sink)

	if ok := s.Run(context.Background(), 6); !ok {
		t.Fatalf("Run returned false")
	}
	if violated.Load() {
		t.Fatalf("two file-I/O steps executed concurrently")
	}
}

// TestAbortSignal checks that a step returning pipelineerr.ErrAbort causes
// Run to return false without the pipeline running to completion.
func TestAbortSignal(t *testing.T) {
	var emitted int64
	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			i := atomic.AddInt64(&emitted, 1)
			return []step.Output{{Target: 1, Payload: int(i)}}, nil
		},
	}
	aborter := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			if payload.(int) >= 3 {
				return nil, pipelineerr.ErrAbort
			}
			return nil, nil
		},
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, aborter)

	if ok := s.Run(context.Background(), 2); ok {
		t.Fatalf("Run returned true, want false after abort")
	}
	if !pipelineerr.IsAbort(s.firstErr) {
		t.Fatalf("firstErr = %v, want an abort signal", s.firstErr)
	}
}

// TestDuplicateStepID checks that registering the same step ID twice is a
// ConfigurationError caught before Run starts any dispatch.
func TestDuplicateStepID(t *testing.T) {
	s := New(nil, Config{})
	noop := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) { return nil, nil },
	}
	mustAddStep(t, s, 0, noop)
	err := s.AddStep(0, noop)
	if err == nil {
		t.Fatalf("AddStep with duplicate id succeeded, want ConfigurationError")
	}
	var cfgErr *pipelineerr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v (%T), want *pipelineerr.ConfigurationError", err, err)
	}
}

// TestChunkRecycling verifies that output routed back to the source step is
// handed back to the source as a reuse hint on a later invocation, per the
// recycling convention.
func TestChunkRecycling(t *testing.T) {
	const n = 20
	var emitted int
	var recycledSeen int32

	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			if payload != nil {
				atomic.AddInt32(&recycledSeen, 1)
			}
			emitted++
			if emitted > n {
				return nil, nil
			}
			return []step.Output{{Target: 1, Payload: emitted}}, nil
		},
	}
	recycler := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			return []step.Output{{Target: 0, Payload: payload}}, nil
		},
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, recycler)

	if ok := s.Run(context.Background(), 1); !ok {
		t.Fatalf("Run returned false")
	}
	if atomic.LoadInt32(&recycledSeen) == 0 {
		t.Fatalf("source never observed a recycled chunk")
	}
}

// TestOrderedDeliveryPreserved checks that an ordered step always sees
// sequence numbers in ascending order even when fed by a faster, unordered
// upstream producing out-of-order completions.
func TestOrderedDeliveryPreserved(t *testing.T) {
	const n = 100
	var emitted int64

	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			i := atomic.AddInt64(&emitted, 1)
			if i > n {
				return nil, nil
			}
			return []step.Output{{Target: 1, Payload: int(i)}}, nil
		},
	}
	jitter := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			if payload.(int)%7 == 0 {
				time.Sleep(time.Millisecond)
			}
			return []step.Output{{Target: 2, Payload: payload}}, nil
		},
	}

	var mu sync.Mutex
	last := 0
	outOfOrder := false
	sink := &fnStep{
		ordering: step.Ordered,
		process: func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
			mu.Lock()
			v := payload.(int)
			if v != last+1 {
				outOfOrder = true
			}
			last = v
			mu.Unlock()
			return []step.Output{{Target: 3, Payload: nil}}, nil
		},
	}
	drain := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) { return nil, nil },
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, jitter)
	mustAddStep(t, s, 2, sink)
	mustAddStep(t, s, 3, drain)

	if ok := s.Run(context.Background(), 8); !ok {
		t.Fatalf("Run returned false")
	}
	if outOfOrder {
		t.Fatalf("ordered step observed out-of-order sequence numbers")
	}
	mu.Lock()
	defer mu.Unlock()
	if last != n {
		t.Fatalf("ordered step saw %d chunks, want %d", last, n)
	}
}

// TestFinalizeOrder checks that Finalize is called on every step exactly
// once, in ascending step-ID order, after the pipeline has fully drained.
func TestFinalizeOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	makeStep := func(id int, targets ...int) step.Step {
		emitted := false
		return &finalizeTrackingStep{
			id: id,
			order: func() {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			},
			process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
				if id == 0 {
					if emitted {
						return nil, nil
					}
					emitted = true
					var outs []step.Output
					for _, t := range targets {
						outs = append(outs, step.Output{Target: t, Payload: 1})
					}
					return outs, nil
				}
				return nil, nil
			},
		}
	}

	s := New(nil, Config{})
	mustAddStep(t, s, 0, makeStep(0, 1, 2))
	mustAddStep(t, s, 1, makeStep(1))
	mustAddStep(t, s, 2, makeStep(2))

	if ok := s.Run(context.Background(), 4); !ok {
		t.Fatalf("Run returned false")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("finalize called %d times, want 3: %v", len(order), order)
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("finalize order = %v, want ascending [0 1 2]", order)
		}
	}
}

// finalizeTrackingStep is a step.Step whose Finalize records its own ID via
// a callback, used by TestFinalizeOrder to assert finalize ordering.
type finalizeTrackingStep struct {
	id      int
	order   func()
	process func(ctx context.Context, payload chunk.Chunk) ([]step.Output, error)
}

func (f *finalizeTrackingStep) Ordering() step.Ordering { return step.Unordered }
func (f *finalizeTrackingStep) FileIO() bool            { return false }
func (f *finalizeTrackingStep) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	return f.process(ctx, payload)
}
func (f *finalizeTrackingStep) Finalize(ctx context.Context) error {
	f.order()
	return nil
}

// TestDeadlockWatchdog checks that a genuine idle stall — every worker
// parked in Wait(), nothing blocked inside a step's Process, no more
// Broadcast ever coming on its own — trips the deadlock watchdog rather
// than hanging Run indefinitely. The stall is modeled the way spec.md §8
// describes one arising in practice: the source's sequence counter is
// global, so fanning its output across two different ordered consumers
// leaves each one permanently short the sequence number routed to its
// sibling instead.
func TestDeadlockWatchdog(t *testing.T) {
	const emitCount = 4
	emitted := 0

	source := &fnStep{
		ordering: step.Unordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			if emitted >= emitCount {
				return nil, nil
			}
			target := 1
			if emitted%2 == 1 {
				target = 2
			}
			emitted++
			return []step.Output{{Target: target, Payload: emitted}}, nil
		},
	}
	stalledA := &fnStep{
		ordering: step.Ordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			return nil, nil
		},
	}
	stalledB := &fnStep{
		ordering: step.Ordered,
		process: func(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
			return nil, nil
		},
	}

	s := New(nil, Config{DeadlockTimeout: 20 * time.Millisecond})
	mustAddStep(t, s, 0, source)
	mustAddStep(t, s, 1, stalledA)
	mustAddStep(t, s, 2, stalledB)

	done := make(chan bool, 1)
	go func() { done <- s.Run(context.Background(), 2) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Run returned true, want false from watchdog trip")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return within watchdog bound")
	}
}
