package core

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebatch/corebatch/core/policy"
)

// fakeEngine is a deterministic Engine double: logits is called once per
// selected Sequence and returns that row verbatim (copied, so SampleRow's
// in-place mutation never leaks back into the closure's state).
type fakeEngine struct {
	vocab  int
	logits func(seq *Sequence) []float64
	err    error
}

func (e *fakeEngine) WarmUp(ctx context.Context) error { return nil }
func (e *fakeEngine) KVCacheCapacityBytes() int64      { return 0 }

func (e *fakeEngine) Execute(ctx context.Context, plan *BatchPlan) (StepResult, error) {
	if e.err != nil {
		return StepResult{}, e.err
	}
	rows := make([][]float64, len(plan.Slices))
	for i, slice := range plan.Slices {
		row := make([]float64, e.vocab)
		copy(row, e.logits(slice.Sequence))
		rows[i] = row
	}
	return StepResult{Logits: rows}, nil
}

var _ Engine = (*fakeEngine)(nil)

func spike(vocab, tok int) []float64 {
	row := make([]float64, vocab)
	row[tok] = 10
	return row
}

func newTestScheduler(cfg Config, eng Engine) *Scheduler {
	return NewScheduler(cfg, eng, NewAllocator(64), nil)
}

// runUntilIdle drives the step loop synchronously (no Start/Close
// goroutine) until neither pool holds work and the last step selected
// nothing, or maxSteps is exceeded.
func runUntilIdle(t *testing.T, s *Scheduler, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		s.drainAdmissions()
		s.serviceCancellations()
		progressed, err := s.step()
		require.NoError(t, err)
		if !progressed && len(s.waiting) == 0 && len(s.running) == 0 {
			return
		}
	}
	t.Fatalf("scheduler did not reach idle within %d steps", maxSteps)
}

func collectFinal(events *[]OutputEvent) *OutputEvent {
	for i := range *events {
		if (*events)[i].Final != nil {
			return &(*events)[i]
		}
	}
	return nil
}

func TestScheduler_SingleGreedy_FinishesAtMaxTokensWithNonPositiveLogprob(t *testing.T) {
	cfg := DefaultConfig()
	eng := &fakeEngine{vocab: 8, logits: func(seq *Sequence) []float64 { return spike(8, 7) }}
	s := newTestScheduler(cfg, eng)

	var events []OutputEvent
	sink := func(ev OutputEvent) bool { events = append(events, ev); return true }

	p := baseParams()
	p.MaxTokens = 3
	s.Submit(RequestSpec{Prompt: []int{1}, Params: p, EOSTokenID: -1}, sink)

	runUntilIdle(t, s, 20)

	final := collectFinal(&events)
	require.NotNil(t, final)
	require.Len(t, final.Final.Choices, 1)
	assert.Equal(t, FinishLength, final.Final.Choices[0].FinishReason)
	assert.Equal(t, 3, final.Final.CompletionTokens)
	assert.LessOrEqual(t, final.Final.Choices[0].Logprob, 0.0)
}

func TestScheduler_StopString_TrimsDeliveredTextBeforeMatch(t *testing.T) {
	cfg := DefaultConfig()
	eng := &fakeEngine{vocab: 20, logits: func(seq *Sequence) []float64 {
		return spike(20, seq.NumGenerated()+1)
	}}

	word := "there!world"
	idToChar := make(map[int]string, len(word))
	for i, ch := range word {
		idToChar[i+1] = string(ch)
	}
	detok := fakeDetokenizer{text: idToChar}
	s := NewScheduler(cfg, eng, NewAllocator(64), detok)

	var events []OutputEvent
	sink := func(ev OutputEvent) bool { events = append(events, ev); return true }

	p := baseParams()
	p.MaxTokens = 20
	p.Stop = []string{"!"}
	s.Submit(RequestSpec{Prompt: []int{1}, Params: p, EOSTokenID: -1}, sink)

	runUntilIdle(t, s, 30)

	final := collectFinal(&events)
	require.NotNil(t, final)
	require.Len(t, final.Final.Choices, 1)
	assert.Equal(t, FinishStop, final.Final.Choices[0].FinishReason)
	assert.Equal(t, "there", final.Final.Choices[0].Text)
}

type fakeDetokenizer struct{ text map[int]string }

func (d fakeDetokenizer) Push(seq *Sequence, tokenID int) string { return d.text[tokenID] }

func TestScheduler_PreemptionUnderPressure_AllThreeEventuallyFinish(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 4
	cfg.MaxBatchTokens = 100
	alloc := NewAllocator(4) // N=4 blocks, block_size=4: 16 slots total
	eng := &fakeEngine{vocab: 2, logits: func(seq *Sequence) []float64 { return spike(2, 1) }}
	s := NewScheduler(cfg, eng, alloc, nil)

	var finals []OutputEvent
	sink := func(ev OutputEvent) bool {
		if ev.Final != nil {
			finals = append(finals, ev)
		}
		return true
	}

	p := baseParams()
	p.MaxTokens = 8
	s.Submit(RequestSpec{Prompt: make([]int, 8), Params: p, EOSTokenID: -1}, sink)
	s.Submit(RequestSpec{Prompt: make([]int, 4), Params: p, EOSTokenID: -1}, sink)
	s.Submit(RequestSpec{Prompt: make([]int, 4), Params: p, EOSTokenID: -1}, sink)

	runUntilIdle(t, s, 500)

	require.Len(t, finals, 3)
	for _, ev := range finals {
		require.Len(t, ev.Final.Choices, 1)
		assert.Equal(t, FinishLength, ev.Final.Choices[0].FinishReason)
		assert.Equal(t, 8, ev.Final.CompletionTokens)
	}
	assert.Greater(t, s.metrics.preemptions, int64(0))
	assert.Equal(t, 4, alloc.NumFree())
}

func TestScheduler_BestOf_PicksMaxNormalizedLogprob(t *testing.T) {
	cfg := DefaultConfig()
	vocab := 5
	magnitudes := []float64{2, 20, 0.5} // sibling 1 has the sharpest, least-negative logprob
	eng := &fakeEngine{vocab: vocab, logits: func(seq *Sequence) []float64 {
		row := make([]float64, vocab)
		row[1] = magnitudes[seq.Index]
		return row
	}}
	s := newTestScheduler(cfg, eng)

	var events []OutputEvent
	sink := func(ev OutputEvent) bool { events = append(events, ev); return true }

	p := baseParams()
	p.MaxTokens = 1
	p.N = 1
	p.BestOf = 3
	s.Submit(RequestSpec{Prompt: []int{9}, Params: p, EOSTokenID: -1}, sink)

	runUntilIdle(t, s, 10)

	final := collectFinal(&events)
	require.NotNil(t, final)
	require.Len(t, final.Final.Choices, 1)
	assert.Equal(t, 1, final.Final.Choices[0].SequenceIndex)
}

func TestScheduler_Cancellation_StopsCleanlyAfterFiveDeltas(t *testing.T) {
	cfg := DefaultConfig()
	alloc := NewAllocator(16)
	eng := &fakeEngine{vocab: 4, logits: func(seq *Sequence) []float64 { return spike(4, 1) }}
	s := NewScheduler(cfg, eng, alloc, nil)

	var deltaCount int
	var final *OutputEvent
	sink := func(ev OutputEvent) bool {
		if ev.Delta != nil {
			deltaCount++
		}
		if ev.Final != nil {
			f := ev
			final = &f
		}
		return true
	}

	p := baseParams()
	p.MaxTokens = 1000
	handle := s.Submit(RequestSpec{Prompt: []int{1}, Params: p, Stream: true, EOSTokenID: -1}, sink)

	cancelled := false
	for i := 0; i < 200 && final == nil; i++ {
		s.drainAdmissions()
		s.serviceCancellations()
		_, err := s.step()
		require.NoError(t, err)

		if !cancelled && deltaCount >= 5 {
			handle.Cancel()
			cancelled = true
		}
	}

	require.NotNil(t, final)
	require.Len(t, final.Final.Choices, 1)
	assert.Equal(t, FinishCancelled, final.Final.Choices[0].FinishReason)
	assert.Equal(t, 16, alloc.NumFree())

	deltasAtFinish := deltaCount
	for i := 0; i < 5; i++ {
		s.drainAdmissions()
		s.serviceCancellations()
		_, err := s.step()
		require.NoError(t, err)
	}
	assert.Equal(t, deltasAtFinish, deltaCount, "no further deltas should arrive after the cancelled final event")
}

func TestScheduler_MultiSequenceStreaming_DeltasOrderedByIndexWithinStep(t *testing.T) {
	cfg := DefaultConfig()
	eng := &fakeEngine{vocab: 4, logits: func(seq *Sequence) []float64 { return spike(4, 1) }}
	s := newTestScheduler(cfg, eng)

	var stepEvents []OutputEvent
	sink := func(ev OutputEvent) bool { stepEvents = append(stepEvents, ev); return true }

	p := baseParams()
	p.MaxTokens = 3
	p.N = 3
	p.BestOf = 3
	s.Submit(RequestSpec{Prompt: []int{1}, Params: p, Stream: true, EOSTokenID: -1}, sink)

	for i := 0; i < 10; i++ {
		stepEvents = stepEvents[:0]
		s.drainAdmissions()
		s.serviceCancellations()
		progressed, err := s.step()
		require.NoError(t, err)

		var indices []int
		for _, ev := range stepEvents {
			if ev.Delta != nil {
				indices = append(indices, ev.Delta.SequenceIndex)
			}
		}
		if len(indices) > 1 {
			assert.True(t, sort.IntsAreSorted(indices), "deltas within a step must be ordered by sequence index, got %v", indices)
		}
		if !progressed && len(s.running) == 0 && len(s.waiting) == 0 {
			break
		}
	}
}

func TestScheduler_Submit_RejectsEmptyPrompt(t *testing.T) {
	s := newTestScheduler(DefaultConfig(), &fakeEngine{vocab: 2, logits: func(*Sequence) []float64 { return spike(2, 1) }})

	var got OutputEvent
	sink := func(ev OutputEvent) bool { got = ev; return true }
	s.Submit(RequestSpec{Prompt: nil, Params: baseParams()}, sink)

	require.Error(t, got.Err)
	var invalid *ErrInvalidRequest
	assert.ErrorAs(t, got.Err, &invalid)
}

func TestScheduler_Submit_RejectsPromptExceedingContextLength(t *testing.T) {
	s := newTestScheduler(DefaultConfig(), &fakeEngine{vocab: 2, logits: func(*Sequence) []float64 { return spike(2, 1) }})

	var got OutputEvent
	sink := func(ev OutputEvent) bool { got = ev; return true }
	s.Submit(RequestSpec{Prompt: []int{1, 2, 3, 4}, Params: baseParams(), MaxContextLen: 2}, sink)

	require.Error(t, got.Err)
	var invalid *ErrInvalidRequest
	assert.ErrorAs(t, got.Err, &invalid)
}

func TestScheduler_EngineFailure_FinishesErrorAndReleasesBlocks(t *testing.T) {
	alloc := NewAllocator(8)
	eng := &fakeEngine{vocab: 2, err: errors.New("device fault")}
	s := NewScheduler(DefaultConfig(), eng, alloc, nil)

	var events []OutputEvent
	sink := func(ev OutputEvent) bool { events = append(events, ev); return true }
	s.Submit(RequestSpec{Prompt: []int{1}, Params: baseParams(), EOSTokenID: -1}, sink)

	runUntilIdle(t, s, 10)

	final := collectFinal(&events)
	require.NotNil(t, final)
	require.Error(t, final.Err)
	require.Len(t, final.Final.Choices, 1)
	assert.Equal(t, FinishError, final.Final.Choices[0].FinishReason)
	assert.Equal(t, 8, alloc.NumFree())
}

// TestOrderWaiting_AgesOutRequestNeverVisitedByPrefillPass demonstrates the
// two starvation mechanisms act independently: a Request that never once
// reaches the Batch Builder's prefill pass (so its skip count never
// advances) still gets promoted once its elapsed waiting time alone crosses
// PriorityAgingThreshold.
func TestOrderWaiting_AgesOutRequestNeverVisitedByPrefillPass(t *testing.T) {
	order := policy.PriorityAgingOrder{AgingThreshold: 8}

	neverVisited := &Request{ID: "never-visited", Priority: PriorityNormal, ArrivalTime: 0}
	manyPeers := &Request{ID: "peer", Priority: PriorityHigh, ArrivalTime: 5}

	reqs := []*Request{manyPeers, neverVisited}
	orderWaiting(reqs, order, 9) // elapsed wait for neverVisited is 9 >= 8

	assert.Equal(t, "never-visited", reqs[0].ID)
	assert.Equal(t, 0, neverVisited.skipped, "age escalation must not depend on skip count")
}
