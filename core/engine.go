// The Engine Adapter boundary: the model forward pass is an opaque,
// synchronous collaborator. corebatch never estimates how long a step
// takes and never touches tensors directly — it hands the Engine a
// BatchPlan and reads back logits.
package core

import (
	"context"
	"fmt"
)

// EngineError wraps a failure from one Engine.Execute call. The Scheduler
// fails every Sequence selected in the offending BatchPlan with
// FinishError.
type EngineError struct {
	Step int64
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("corebatch: engine error at step %d: %v", e.Step, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// StepResult is what the Engine returns for one BatchPlan: one row of
// logits per entry in plan.LastTokenIndices, in the same order.
type StepResult struct {
	Logits [][]float64
}

// Engine is the model forward-pass collaborator. Implementations own
// weights, tensor-parallel execution and attention kernels — all out of
// scope for this package.
type Engine interface {
	// Execute runs one forward pass over plan and returns one logits row
	// per selected sequence slice.
	Execute(ctx context.Context, plan *BatchPlan) (StepResult, error)

	// WarmUp is called once before the step loop starts, giving the
	// implementation a chance to compile kernels or pre-allocate buffers.
	WarmUp(ctx context.Context) error

	// KVCacheCapacityBytes reports how many bytes of device memory are
	// available for the KV cache, used to size the block Allocator.
	KVCacheCapacityBytes() int64
}
