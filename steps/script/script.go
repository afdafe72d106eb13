// Package script provides a pipeline step that evaluates a user-supplied
// JavaScript expression against each consumed chunk, using the goja
// embedded runtime.
package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
)

// Step evaluates Expr — a JavaScript expression with `chunk` bound to the
// consumed payload — and routes the result to Target. A fresh goja.Runtime
// is built per Process call, since a goja.Runtime is not safe for
// concurrent use and the scheduler may dispatch this step from any worker.
type Step struct {
	step.NopFinalizer
	Target   int
	Expr     string
	ordering step.Ordering
}

// New creates a Step evaluating expr over each chunk, routing to target.
// ordering controls whether the scheduler dispatches this step's inputs in
// sequence order; pass step.Unordered unless expr's side effects require it.
func New(target int, expr string, ordering step.Ordering) *Step {
	return &Step{Target: target, Expr: expr, ordering: ordering}
}

func (s *Step) Ordering() step.Ordering { return s.ordering }
func (s *Step) FileIO() bool            { return false }

func (s *Step) Process(ctx context.Context, payload chunk.Chunk) ([]step.Output, error) {
	vm := goja.New()
	if err := vm.Set("chunk", payload); err != nil {
		return nil, fmt.Errorf("script: bind chunk: %w", err)
	}

	val, err := vm.RunString(s.Expr)
	if err != nil {
		return nil, fmt.Errorf("script: evaluate %q: %w", s.Expr, err)
	}

	return []step.Output{{Target: s.Target, Payload: val.Export()}}, nil
}
