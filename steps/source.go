// Package steps provides a small set of built-in pipeline steps that
// exercise the scheduler end to end: a bounded source, an ordered
// passthrough, a parallel unordered mapper, file-backed I/O steps, and a
// chunk recycler. None of these are required by the scheduler itself — they
// play the role AdapterRemoval's own fastq processors play for its
// scheduler: concrete collaborators wired up by the enclosing application.
package steps

import (
	"context"

	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
)

// Source emits Count chunks produced by Gen(0), Gen(1), ... Gen(Count-1) to
// Target, then signals end-of-stream. If the scheduler hands it a recycled
// chunk (non-nil payload), Source ignores it — Gen alone determines output,
// matching the base "recycling is an optional reuse hint" contract.
type Source struct {
	step.NopFinalizer
	Target int
	Count  int
	Gen    func(i int) chunk.Chunk

	emitted int
}

// NewSource creates a Source emitting count chunks to target via gen.
func NewSource(target, count int, gen func(i int) chunk.Chunk) *Source {
	return &Source{Target: target, Count: count, Gen: gen}
}

func (s *Source) Ordering() step.Ordering { return step.Unordered }
func (s *Source) FileIO() bool            { return false }

func (s *Source) Process(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
	if s.emitted >= s.Count {
		return nil, nil
	}
	payload := s.Gen(s.emitted)
	s.emitted++
	return []step.Output{{Target: s.Target, Payload: payload}}, nil
}
