// Per-step selection of which Sequences run and construction of the dense
// BatchPlan tensors: a decode pass over already-running Sequences (one
// token each, preempting to make room when blocks run short) followed by a
// one-shot prefill pass that admits whole prompts from the waiting pool as
// budget and blocks allow.

package core

import "github.com/sirupsen/logrus"

// PreemptOneFunc asks the Scheduler to evict its lowest-priority,
// youngest-arrival running Request to free blocks. Returns true if it freed
// at least one block.
type PreemptOneFunc func() bool

// BatchContext carries the Batch Builder's inputs for one step.
type BatchContext struct {
	Running     []*Sequence // FIFO order; sequences already past prefill
	Waiting     []*Request  // priority-then-FIFO order (policy.WaitingOrder applied by caller)
	Allocator   *Allocator
	BlockSize   int
	TokenBudget int // T_max for this step
	MaxSeqs     int // max_seqs_per_batch
	PreemptOne  PreemptOneFunc
}

// FormBatch selects a runnable set of Sequences for one step and builds the
// BatchPlan tensors, or returns an empty plan if nothing could be admitted.
// SkippedRequest, if non-nil, is the waiting Request whose admission was
// blocked by budget/blocks — the Scheduler uses it to track the skip count
// that eventually escalates priority.
func FormBatch(ctx BatchContext) (plan BatchPlan, skippedRequest *Request) {
	budget := ctx.TokenBudget
	numSlices := 0

	// Phase 1: decode pass over already-running Sequences.
	for _, seq := range ctx.Running {
		if budget <= 0 || numSlices >= ctx.MaxSeqs {
			break
		}
		if len(seq.BlockTable) == 0 {
			continue // its Request was evicted earlier in this pass
		}
		need := seq.NumBlocksNeeded(ctx.BlockSize)
		if !ensureBlocks(ctx, need) {
			logrus.Warnf("corebatch: batch builder stopped admitting decodes, blocks unavailable for seq %d", seq.Index)
			break
		}
		if len(seq.BlockTable) == 0 {
			continue // the preempt-one hook evicted this Sequence's own Request
		}
		appendBlocks(seq, ctx.Allocator, need)

		plan.Slices = append(plan.Slices, SeqSlice{
			Sequence:  seq,
			IsPrefill: false,
			StartPos:  len(seq.Tokens),
			NumTokens: 1,
		})
		budget--
		numSlices++
	}
	// Drop decode slices whose Request a later preempt-one call evicted.
	kept := plan.Slices[:0]
	for _, s := range plan.Slices {
		if len(s.Sequence.BlockTable) > 0 {
			kept = append(kept, s)
		}
	}
	budget += len(plan.Slices) - len(kept)
	numSlices = len(kept)
	plan.Slices = kept

	// Phase 2: one-shot prefill pass over the waiting pool.
	if len(ctx.Waiting) > 0 {
		for _, req := range ctx.Waiting {
			if numSlices >= ctx.MaxSeqs {
				break
			}
			promptLen := req.Sequences[0].NumPromptTokens
			blocksNeeded := ceilDiv(promptLen, ctx.BlockSize) * len(req.Sequences)

			if promptLen > budget || ctx.Allocator.NumFree() < blocksNeeded {
				skippedRequest = req
				break
			}

			admitRequestPrefill(req, ctx.Allocator, ctx.BlockSize)
			for _, seq := range req.Sequences {
				plan.Slices = append(plan.Slices, SeqSlice{
					Sequence:  seq,
					IsPrefill: true,
					StartPos:  0,
					NumTokens: promptLen,
				})
				numSlices++
			}
			budget -= promptLen
			req.Status = StatusRunning
		}
	}

	buildTensors(&plan, ctx.BlockSize)
	return plan, skippedRequest
}

// ensureBlocks makes sure at least need blocks are free, invoking the
// preempt-one hook and retrying if the pool is short. It does not reserve
// them; appendBlocks does.
func ensureBlocks(ctx BatchContext, need int) bool {
	if need == 0 {
		return true
	}
	for ctx.Allocator.NumFree() < need {
		if ctx.PreemptOne == nil || !ctx.PreemptOne() {
			return false
		}
	}
	return true
}

func appendBlocks(seq *Sequence, alloc *Allocator, need int) {
	if need == 0 {
		return
	}
	ids, err := alloc.Allocate(need)
	if err != nil {
		// ensureBlocks already verified free >= need; this can only happen
		// under a caller bug (concurrent mutation), which violates the
		// single-step-loop-owns-the-pool discipline.
		panic("corebatch: allocator invariant violated in appendBlocks: " + err.Error())
	}
	seq.BlockTable = append(seq.BlockTable, ids...)
}

// admitRequestPrefill allocates the first sequence's blocks directly and
// forks them (copy-on-write) for every sibling, since they share one prompt.
func admitRequestPrefill(req *Request, alloc *Allocator, blockSize int) {
	first := req.Sequences[0]
	numBlocks := ceilDiv(first.NumPromptTokens, blockSize)
	ids, err := alloc.Allocate(numBlocks)
	if err != nil {
		panic("corebatch: allocator invariant violated in admitRequestPrefill: " + err.Error())
	}
	first.BlockTable = ids
	for _, sibling := range req.Sequences[1:] {
		sibling.BlockTable = alloc.Fork(ids)
	}
}

// buildTensors assembles the dense tensors from the selected slices,
// prefill slices first.
func buildTensors(plan *BatchPlan, blockSize int) {
	ordered := make([]SeqSlice, 0, len(plan.Slices))
	for _, s := range plan.Slices {
		if s.IsPrefill {
			ordered = append(ordered, s)
		}
	}
	for _, s := range plan.Slices {
		if !s.IsPrefill {
			ordered = append(ordered, s)
		}
	}
	plan.Slices = ordered

	cu := 0
	plan.CuSeqLens = append(plan.CuSeqLens, 0)
	for _, s := range plan.Slices {
		base := s.StartPos
		for t := 0; t < s.NumTokens; t++ {
			pos := base + t
			tokenIdx := pos
			var tok int
			if tokenIdx < len(s.Sequence.Tokens) {
				tok = s.Sequence.Tokens[tokenIdx]
			}
			plan.TokenIDs = append(plan.TokenIDs, tok)
			plan.Positions = append(plan.Positions, pos)
			plan.SlotIDs = append(plan.SlotIDs, slotID(s.Sequence, pos, blockSize))
		}
		cu += s.NumTokens
		plan.CuSeqLens = append(plan.CuSeqLens, cu)
		plan.LastTokenIndices = append(plan.LastTokenIndices, len(plan.TokenIDs)-1)
		if !s.IsPrefill {
			plan.BlockTables = append(plan.BlockTables, s.Sequence.BlockTable)
		}
	}
}

// slotID maps a (sequence, position) pair to the physical KV-cache slot:
// the block holding that position, scaled into a flat slot-space index.
func slotID(seq *Sequence, pos int, blockSize int) int {
	blockIdx := pos / blockSize
	if blockIdx >= len(seq.BlockTable) {
		return -1
	}
	return seq.BlockTable[blockIdx]*blockSize + pos%blockSize
}
