// BatchPlan is the dense, per-step description of work handed to the
// Engine Adapter.

package core

// SeqSlice describes one Sequence's contribution to a step: whether it is
// prefilling or decoding, and which positions/slots it occupies in the
// tensors below.
type SeqSlice struct {
	Sequence  *Sequence
	IsPrefill bool
	StartPos  int // first new token's position in the sequence
	NumTokens int // number of new tokens contributed this step
}

// BatchPlan is the transient per-step selection: which Sequences run, and
// the dense tensors the Engine Adapter needs to run them in one forward
// pass. Prefill slices precede decode slices.
type BatchPlan struct {
	Slices []SeqSlice

	TokenIDs         []int   // flattened new-token ids, sum_tokens long
	Positions        []int   // position of each token within its sequence
	CuSeqLens        []int   // cumulative token counts per slice, len(batch)+1
	SlotIDs          []int   // KV-cache slot id to write each token's K/V into
	BlockTables      [][]int // per decode-sequence block id list, ragged
	LastTokenIndices []int   // rows of logits to sample from, one per slice
}

// NumTokens returns the total token count selected for this step.
func (p *BatchPlan) NumTokens() int {
	return len(p.TokenIDs)
}

// IsEmpty reports whether the plan selected no work at all — the Batch
// Builder signals this as NoProgress so the Scheduler knows
// to wait or preempt rather than call the Engine with nothing to do.
func (p *BatchPlan) IsEmpty() bool {
	return p == nil || len(p.Slices) == 0
}
