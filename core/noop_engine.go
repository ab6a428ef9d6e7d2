// A minimal Engine implementation with no model behind it: logits are drawn
// from a seeded RNG instead of a forward pass. This is what the serve
// harness wires in until a real backend implements the Engine interface —
// weights, tensor-parallel execution and attention kernels stay out of this
// package's scope either way.
package core

import (
	"context"
	"math/rand"
)

// NoopEngine returns pseudo-random logits for every selected Sequence slice.
// It never fails and never blocks, so it's also useful as a Scheduler
// integration-test double for callers that don't need fakeEngine's precise
// per-token control.
type NoopEngine struct {
	VocabSize       int
	KVCapacityBytes int64

	rng *rand.Rand
}

// NewNoopEngine builds a NoopEngine seeded for reproducible demo runs.
func NewNoopEngine(vocabSize int, kvCapacityBytes int64, seed int64) *NoopEngine {
	return &NoopEngine{
		VocabSize:       vocabSize,
		KVCapacityBytes: kvCapacityBytes,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// WarmUp is a no-op; there is no kernel to compile.
func (e *NoopEngine) WarmUp(ctx context.Context) error { return nil }

// KVCacheCapacityBytes reports the capacity the harness was configured with.
func (e *NoopEngine) KVCacheCapacityBytes() int64 { return e.KVCapacityBytes }

// Execute returns one random logits row per selected sequence slice.
func (e *NoopEngine) Execute(ctx context.Context, plan *BatchPlan) (StepResult, error) {
	rows := make([][]float64, len(plan.Slices))
	for i := range plan.Slices {
		row := make([]float64, e.VocabSize)
		for j := range row {
			row[j] = e.rng.NormFloat64()
		}
		rows[i] = row
	}
	return StepResult{Logits: rows}, nil
}

var _ Engine = (*NoopEngine)(nil)
