package steps

import (
	"context"

	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
)

// Passthrough forwards its input to Target unchanged, consuming inputs in
// ascending sequence order. Useful as a minimal ordered relay, e.g. to prove
// ordering survives an extra hop.
type Passthrough struct {
	step.NopFinalizer
	Target int
}

// NewPassthrough creates an ordered identity step routing to target.
func NewPassthrough(target int) *Passthrough {
	return &Passthrough{Target: target}
}

func (p *Passthrough) Ordering() step.Ordering { return step.Ordered }
func (p *Passthrough) FileIO() bool            { return false }

func (p *Passthrough) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	return []step.Output{{Target: p.Target, Payload: payload}}, nil
}

// Mapper applies Fn to each input and routes the result to Target, with no
// ordering constraint on consumption — the shape a parallel compute step
// takes when workers may run out of order.
type Mapper struct {
	step.NopFinalizer
	Target int
	Fn     func(chunk.Chunk) chunk.Chunk
}

// NewMapper creates an unordered mapping step routing to target.
func NewMapper(target int, fn func(chunk.Chunk) chunk.Chunk) *Mapper {
	return &Mapper{Target: target, Fn: fn}
}

func (m *Mapper) Ordering() step.Ordering { return step.Unordered }
func (m *Mapper) FileIO() bool            { return false }

func (m *Mapper) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	return []step.Output{{Target: m.Target, Payload: m.Fn(payload)}}, nil
}
