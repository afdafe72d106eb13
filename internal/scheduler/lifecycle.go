package scheduler

import (
	"context"
	"sort"

	"github.com/me/pipelinecore/pkg/pipelineerr"
)

// finalizeAll invokes Finalize on every registered step in ascending ID
// order, single-threaded, once the dispatch loop has drained cleanly. Per
// spec.md §4.4.5 and invariant 3 of §8, this happens strictly after every
// Process call has returned, with no queue lock held.
func (s *Scheduler) finalizeAll(ctx context.Context) error {
	ids := make([]int, 0, len(s.steps))
	for id := range s.steps {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		ss := s.steps[id]
		if err := ss.Step.Finalize(ctx); err != nil {
			return pipelineerr.NewStepFailure(id, 0, false, err)
		}
	}
	return nil
}
