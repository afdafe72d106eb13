// Package statsink implements the statistics-reduction sink pattern: a pool
// that lets worker goroutines accumulate into per-worker instances of T and
// later fold them into a single result, avoiding contention on a shared
// accumulator. It mirrors the free-list-behind-a-mutex pool of the original
// statistics_sink<T>, generalized with Go generics.
package statsink

import "sync"

// Combinable is the requirement on T: an associative combine operation that
// folds other into the receiver.
type Combinable[T any] interface {
	Combine(other T)
}

// Sink is a thread-safe pool of per-worker accumulators of type T.
// Acquire/Release are serialized by an internal mutex; Reduce requires
// quiescence — the caller must guarantee no concurrent Acquire/Release is in
// flight, exactly as the original scheduler's statistics_sink::finalize did.
type Sink[T Combinable[T]] struct {
	mu      sync.Mutex
	free    []T
	newInst func() T
	// outstanding tracks live acquisitions that have not been released, to
	// detect the undefined "reduce with outstanding acquisitions" case the
	// spec calls out as SHOULD-detect.
	outstanding int
}

// New creates a Sink whose on-demand construction hook is newInstance —
// the generalized subclass hook new_sink()/new_instance() of the original.
func New[T Combinable[T]](newInstance func() T) *Sink[T] {
	return &Sink[T]{newInst: newInstance}
}

// Acquire returns a previously-released instance if one is free, else
// constructs a new one via the factory hook.
func (s *Sink[T]) Acquire() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outstanding++

	if n := len(s.free); n > 0 {
		v := s.free[n-1]
		s.free = s.free[:n-1]
		return v
	}
	return s.newInst()
}

// Release returns an instance to the pool for reuse by a future Acquire.
func (s *Sink[T]) Release(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outstanding--
	s.free = append(s.free, v)
}

// Reduce atomically drains the pool and folds all instances into one via
// T's Combine, returning the result. The caller must guarantee no concurrent
// Acquire/Release; Reduce panics if outstanding acquisitions are detected,
// since the result would silently omit data still held by a worker.
func (s *Sink[T]) Reduce() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding != 0 {
		panic("statsink: Reduce called with outstanding acquisitions")
	}

	if len(s.free) == 0 {
		return s.newInst()
	}

	result := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	for _, v := range s.free {
		result.Combine(v)
	}
	s.free = nil

	return result
}
