package steps

import (
	"context"

	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
)

// sourceStepID is the scheduler's fixed convention for the source step.
const sourceStepID = 0

// Recycler routes every consumed chunk back to the source step, exercising
// the chunk-recycling convention: the source may receive the reused buffer
// on a later invocation instead of allocating a fresh one.
type Recycler struct {
	step.NopFinalizer
}

// NewRecycler creates a Recycler.
func NewRecycler() *Recycler { return &Recycler{} }

func (r *Recycler) Ordering() step.Ordering { return step.Unordered }
func (r *Recycler) FileIO() bool            { return false }

func (r *Recycler) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	return []step.Output{{Target: sourceStepID, Payload: payload}}, nil
}
