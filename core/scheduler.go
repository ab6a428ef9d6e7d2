// The Scheduler owns waiting/running pools and the step loop: drain
// admission, order the waiting pool, hand both pools to the Batch Builder,
// call the Engine Adapter, run the Sampling Pipeline over the result, then
// fan outputs back out through each Request's sink. It is the sole mutator
// of the Allocator, the waiting/running pools, and every Sequence reachable
// from them — everything else (Submit, RequestHandle.Cancel) communicates
// with it only through the bounded admission channel and an atomic
// per-Request cancel flag, never by touching scheduler state directly.

package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/corebatch/corebatch/core/policy"
	"github.com/corebatch/corebatch/core/trace"
)

// ErrSwapUnsupported is what the swap eviction path returns: preemption_mode
// accepts "swap" as a configuration value, but only recompute is implemented
// end-to-end (see DESIGN.md for the Open Question this resolves). A
// preempt-one attempt that hits this treats it the same as finding no
// victim at all.
var ErrSwapUnsupported = fmt.Errorf("corebatch: swap preemption mode is not implemented")

// ErrInvalidRequest is delivered to a sink when admission rejects a
// RequestSpec outright; it never reaches the step loop.
type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string {
	return fmt.Sprintf("corebatch: invalid request: %s", e.Reason)
}

// Detokenizer incrementally renders a Sequence's newly sampled token into
// text, the same incremental-decode collaborator a streaming transport uses.
// The Scheduler consumes it only to evaluate stop-string matches and to
// compose final output text; a nil Detokenizer disables both and leaves
// token-id-based stop conditions (EOS, stop_token_ids, max_tokens) in force.
type Detokenizer interface {
	Push(seq *Sequence, tokenID int) string
}

// RequestHandle is the caller-facing handle for a submitted Request: an id
// plus an atomic cancel flag. It deliberately never exposes the Request
// itself, so a sink closing over its handle cannot reach back into
// Scheduler-owned state from another goroutine.
type RequestHandle struct {
	id        string
	cancelled *int32
}

// ID returns the Request's id, stable for its whole lifetime.
func (h *RequestHandle) ID() string { return h.id }

// Cancel marks the Request cancelled. The Scheduler observes this at the
// next step boundary; it does not interrupt in-flight Engine work.
func (h *RequestHandle) Cancel() {
	atomic.StoreInt32(h.cancelled, 1)
}

func (h *RequestHandle) isCancelled() bool {
	return atomic.LoadInt32(h.cancelled) == 1
}

// admission is one item drained from the admission channel by the step loop.
type admission struct {
	spec   RequestSpec
	sink   Sink
	handle *RequestHandle
}

const idlePollInterval = 2 * time.Millisecond

// Scheduler is the continuous-batching step loop plus the pools and
// collaborators it drives.
type Scheduler struct {
	cfg     Config
	engine  Engine
	alloc   *Allocator
	metrics *Metrics
	trace   *trace.SchedulerTrace
	order   policy.WaitingOrder
	detok   Detokenizer

	admissionCh chan admission
	clock       int64

	waiting []*Request
	running []*Request
	handles map[string]*RequestHandle
	decoded map[*Sequence]*strings.Builder

	eg       *errgroup.Group
	egCtx    context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler builds a Scheduler ready to Start. detok may be nil.
func NewScheduler(cfg Config, engine Engine, alloc *Allocator, detok Detokenizer) *Scheduler {
	eg, egCtx := errgroup.WithContext(context.Background())
	return &Scheduler{
		cfg:         cfg,
		engine:      engine,
		alloc:       alloc,
		metrics:     NewMetrics(),
		trace:       trace.New(trace.Level(cfg.TraceLevel)),
		order:       policy.NewWaitingOrder(cfg.WaitingOrder, cfg.PriorityAgingThreshold),
		detok:       detok,
		admissionCh: make(chan admission, cfg.AdmissionQueueCapacity),
		handles:     make(map[string]*RequestHandle),
		eg:          eg,
		egCtx:       egCtx,
		stopCh:      make(chan struct{}),
	}
}

// Metrics returns the Scheduler's prometheus.Collector for a host to
// register with its own registry.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Trace returns the decision trace the Scheduler has been recording at
// Config.TraceLevel.
func (s *Scheduler) Trace() *trace.SchedulerTrace { return s.trace }

// Start launches the step loop on its own goroutine.
func (s *Scheduler) Start() {
	s.eg.Go(s.loop)
}

// Close signals the step loop to stop after its current iteration and waits
// for it to exit.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.eg.Wait()
}

// Submit validates and enqueues a new Request. The admission API never
// throws: an invalid spec or a full queue produces an immediate error event
// on sink instead of a returned error.
func (s *Scheduler) Submit(spec RequestSpec, sink Sink) *RequestHandle {
	handle := &RequestHandle{id: uuid.NewString(), cancelled: new(int32)}

	if err := validateSpec(spec); err != nil {
		if sink != nil {
			sink(OutputEvent{RequestID: handle.id, Err: err})
		}
		return handle
	}

	select {
	case s.admissionCh <- admission{spec: spec, sink: sink, handle: handle}:
	default:
		if sink != nil {
			sink(OutputEvent{RequestID: handle.id, Err: fmt.Errorf("corebatch: admission queue full")})
		}
	}
	return handle
}

func validateSpec(spec RequestSpec) error {
	if len(spec.Prompt) == 0 {
		return &ErrInvalidRequest{Reason: "prompt must not be empty"}
	}
	if spec.MaxContextLen > 0 && len(spec.Prompt) >= spec.MaxContextLen {
		return &ErrInvalidRequest{Reason: fmt.Sprintf("prompt length %d exceeds max context length %d", len(spec.Prompt), spec.MaxContextLen)}
	}
	if spec.Params.MaxTokens <= 0 {
		return &ErrInvalidRequest{Reason: "max_tokens must be positive"}
	}
	n := spec.Params.N
	if n <= 0 {
		n = 1
	}
	if spec.Params.BestOf > 0 && spec.Params.BestOf < n {
		return &ErrInvalidRequest{Reason: "best_of must be >= n"}
	}
	return nil
}

// loop is the step loop's goroutine body.
func (s *Scheduler) loop() error {
	if err := s.engine.WarmUp(s.egCtx); err != nil {
		return fmt.Errorf("corebatch: engine warm-up: %w", err)
	}

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		s.drainAdmissions()
		s.serviceCancellations()

		progressed, err := s.step()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}

		select {
		case <-s.stopCh:
			return nil
		case adm := <-s.admissionCh:
			s.admit(adm)
		case <-time.After(idlePollInterval):
		}
	}
}

// drainAdmissions pulls every currently queued admission without blocking.
func (s *Scheduler) drainAdmissions() {
	for {
		select {
		case adm := <-s.admissionCh:
			s.admit(adm)
		default:
			return
		}
	}
}

func (s *Scheduler) admit(adm admission) {
	s.clock++
	req := newRequest(adm.spec, s.clock)
	req.ID = adm.handle.id
	req.sink = adm.sink
	s.handles[req.ID] = adm.handle
	s.waiting = append(s.waiting, req)
	s.trace.RecordAdmission(trace.AdmissionRecord{RequestID: req.ID, Step: s.clock, Admitted: true, Reason: "queued"})
}

// serviceCancellations removes cancelled waiting Requests immediately and
// marks cancelled running Requests so the next retire pass tears them down.
func (s *Scheduler) serviceCancellations() {
	kept := s.waiting[:0]
	for _, req := range s.waiting {
		if h, ok := s.handles[req.ID]; ok && h.isCancelled() {
			s.finishWaitingCancel(req)
			continue
		}
		kept = append(kept, req)
	}
	s.waiting = kept

	for _, req := range s.running {
		if req.Status == StatusCancelled {
			continue
		}
		if h, ok := s.handles[req.ID]; ok && h.isCancelled() {
			req.Status = StatusCancelled
			for _, seq := range req.Sequences {
				seq.Cancel()
			}
		}
	}
}

func (s *Scheduler) finishWaitingCancel(req *Request) {
	req.Status = StatusCancelled
	for _, seq := range req.Sequences {
		seq.Cancel()
	}
	s.finishRequest(req, nil)
}

// step runs one iteration of the continuous-batching loop: order the
// waiting pool, build a BatchPlan, call the Engine, sample, and retire
// whatever finished. progressed reports whether any work was selected, so
// the loop knows whether to keep spinning or wait on the admission channel.
func (s *Scheduler) step() (progressed bool, err error) {
	orderWaiting(s.waiting, s.order, s.clock)
	runningSeqs := s.flattenRunning()

	plan, skipped := FormBatch(BatchContext{
		Running:     runningSeqs,
		Waiting:     s.waiting,
		Allocator:   s.alloc,
		BlockSize:   s.cfg.BlockSize,
		TokenBudget: s.cfg.MaxBatchTokens,
		MaxSeqs:     s.cfg.MaxSeqsPerBatch,
		PreemptOne:  s.preemptOne,
	})
	s.recordSkip(skipped)
	s.promoteNewlyRunning()
	s.retire(nil)
	s.metrics.RecordKVUsage(s.alloc.NumTotal() - s.alloc.NumFree())

	if plan.IsEmpty() {
		return false, nil
	}

	owners := s.seqOwners()
	result, execErr := s.engine.Execute(s.egCtx, &plan)
	switch {
	case execErr != nil:
		s.failBatch(&plan, owners, execErr)
	case len(result.Logits) != len(plan.Slices):
		s.failBatch(&plan, owners, fmt.Errorf("engine returned %d logit rows for %d selected sequences", len(result.Logits), len(plan.Slices)))
	default:
		s.applySampling(&plan, result, owners)
	}
	s.retire(nil)
	s.clock++
	return true, nil
}

// flattenRunning returns every unfinished Sequence across the running pool,
// in FIFO order (by Request arrival, sibling order within a Request).
func (s *Scheduler) flattenRunning() []*Sequence {
	var seqs []*Sequence
	for _, req := range s.running {
		for _, seq := range req.Sequences {
			if !seq.IsFinished() {
				seqs = append(seqs, seq)
			}
		}
	}
	return seqs
}

func (s *Scheduler) seqOwners() map[*Sequence]*Request {
	owners := make(map[*Sequence]*Request, len(s.running)*2)
	for _, req := range s.running {
		for _, seq := range req.Sequences {
			owners[seq] = req
		}
	}
	return owners
}

// promoteNewlyRunning moves Requests FormBatch admitted this step (its
// prefill pass already set Status to StatusRunning) from waiting to running.
func (s *Scheduler) promoteNewlyRunning() {
	still := s.waiting[:0]
	for _, req := range s.waiting {
		if req.Status == StatusRunning {
			s.running = append(s.running, req)
		} else {
			still = append(still, req)
		}
	}
	s.waiting = still
}

func (s *Scheduler) recordSkip(skipped *Request) {
	if skipped == nil {
		return
	}
	skipped.skipped++
	s.trace.RecordAdmission(trace.AdmissionRecord{RequestID: skipped.ID, Step: s.clock, Admitted: false, Reason: "budget or blocks exhausted"})
}

// waitingAdapter makes *Request satisfy policy.Waiting without policy
// importing core.
type waitingAdapter struct{ req *Request }

func (w waitingAdapter) ArrivalIndex() int64 { return w.req.ArrivalTime }
func (w waitingAdapter) PriorityLevel() int  { return int(w.req.Priority) }
func (w waitingAdapter) SkipCount() int      { return w.req.skipped }
func (w waitingAdapter) ID() string          { return w.req.ID }

func orderWaiting(reqs []*Request, order policy.WaitingOrder, now int64) {
	adapters := make([]policy.Waiting, len(reqs))
	for i, r := range reqs {
		adapters[i] = waitingAdapter{r}
	}
	order.OrderQueue(adapters, now)
	for i, a := range adapters {
		reqs[i] = a.(waitingAdapter).req
	}
}

// preemptOne is the Batch Builder's preempt-one hook: evict the
// lowest-priority, youngest-arrival running Request to free its Blocks.
func (s *Scheduler) preemptOne() bool {
	idx := s.selectVictimIndex()
	if idx == -1 {
		return false
	}
	victim := s.running[idx]

	if s.cfg.PreemptionMode == "swap" {
		if err := s.swapPreempt(victim); err != nil {
			logrus.WithError(err).Warn("corebatch: swap preemption unavailable, cannot free blocks")
			return false
		}
	}

	s.running = append(s.running[:idx], s.running[idx+1:]...)
	s.recomputePreempt(victim)
	return true
}

func (s *Scheduler) selectVictimIndex() int {
	best := -1
	for i, req := range s.running {
		if req.Status == StatusCancelled {
			continue
		}
		if best == -1 || isLowerPreemptionPriority(req, s.running[best]) {
			best = i
		}
	}
	return best
}

// isLowerPreemptionPriority reports whether candidate should be preempted
// before current: lower priority first, then (within a level) the
// more-recently-arrived Request, protecting seniority.
func isLowerPreemptionPriority(candidate, current *Request) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority < current.Priority
	}
	return candidate.ArrivalTime > current.ArrivalTime
}

func (s *Scheduler) swapPreempt(req *Request) error {
	return fmt.Errorf("corebatch: swap preemption for request %s: %w", req.ID, ErrSwapUnsupported)
}

// recomputePreempt drops every Sequence's Blocks and generated tokens,
// keeping only the prompt, and re-enters the Request at the back of waiting
// to re-prefill later.
func (s *Scheduler) recomputePreempt(req *Request) {
	for _, seq := range req.Sequences {
		if seq.IsFinished() {
			continue
		}
		s.alloc.Release(seq.BlockTable)
		seq.BlockTable = nil
		seq.Tokens = seq.Tokens[:seq.NumPromptTokens]
		seq.CumulativeLogp = 0
		seq.stop = stopState{}
		delete(s.decoded, seq)
	}
	req.Status = StatusPending
	req.skipped = 0
	s.waiting = append(s.waiting, req)
	s.metrics.RecordPreemption()
	s.trace.RecordPreemption(trace.PreemptionRecord{RequestID: req.ID, Step: s.clock, Mode: "recompute", Reason: "block starvation"})
}

// applySampling runs the Sampling Pipeline over one step's logits, appends
// tokens, evaluates stop conditions, and delivers streaming deltas ordered
// by sequence index within each Request.
func (s *Scheduler) applySampling(plan *BatchPlan, result StepResult, owners map[*Sequence]*Request) {
	type pendingDelta struct {
		req    *Request
		seq    *Sequence
		text   string
		reason FinishReason
	}
	var deltas []pendingDelta

	for i, slice := range plan.Slices {
		seq := slice.Sequence
		res := SampleRow(result.Logits[i], seq)
		seq.AppendToken(res.TokenID, res.Logprob)

		var tail string
		if s.detok != nil {
			tail = s.detok.Push(seq, res.TokenID)
			s.appendDecoded(seq, tail)
		}
		seq.finish(seq.CheckStop(tail))

		if req, ok := owners[seq]; ok {
			if seq.NumGenerated() == 1 {
				s.metrics.RecordTTFT(s.clock - req.ArrivalTime)
			} else {
				s.metrics.RecordTPOT(1)
			}
			if req.Stream && req.Status != StatusCancelled {
				if !req.announced[seq.Index] {
					req.announced[seq.Index] = true
					deltas = append(deltas, pendingDelta{req: req, seq: seq})
				}
				deltas = append(deltas, pendingDelta{req: req, seq: seq, text: tail, reason: seq.FinishReason})
			}
		}
	}

	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].seq.Index < deltas[j].seq.Index })
	for _, d := range deltas {
		d.req.deliver(OutputEvent{
			RequestID: d.req.ID,
			Delta:     &DeltaEvent{SequenceIndex: d.seq.Index, Text: d.text, FinishReason: d.reason},
		})
	}
}

func (s *Scheduler) appendDecoded(seq *Sequence, tail string) {
	if tail == "" {
		return
	}
	if s.decoded == nil {
		s.decoded = make(map[*Sequence]*strings.Builder)
	}
	b, ok := s.decoded[seq]
	if !ok {
		b = &strings.Builder{}
		s.decoded[seq] = b
	}
	b.WriteString(tail)
}

func (s *Scheduler) fullText(seq *Sequence) string {
	b := s.decoded[seq]
	if b == nil {
		return ""
	}
	text := b.String()
	if seq.FinishReason == FinishStop {
		if n := seq.StopTextLen(); n < len(text) {
			text = text[:n]
		}
	}
	return text
}

// failBatch marks every Sequence selected in plan as failed with an
// EngineError and retires whichever Requests that finishes.
func (s *Scheduler) failBatch(plan *BatchPlan, owners map[*Sequence]*Request, cause error) {
	engineErr := &EngineError{Step: s.clock, Err: cause}
	logrus.WithError(engineErr).Error("corebatch: engine execution failed; failing every sequence in the batch")

	errs := make(map[*Request]error)
	for _, slice := range plan.Slices {
		seq := slice.Sequence
		seq.Fail()
		if req, ok := owners[seq]; ok {
			errs[req] = engineErr
		}
	}
	s.retire(errs)
}

// retire releases Blocks for every finished Sequence and delivers final
// output for Requests that are now wholly finished. errs, if non-nil,
// supplies the error to attach to a specific Request's final event (used by
// failBatch); finishes not present in errs deliver a nil error.
func (s *Scheduler) retire(errs map[*Request]error) {
	still := s.running[:0]
	for _, req := range s.running {
		for _, seq := range req.Sequences {
			if seq.IsFinished() && seq.BlockTable != nil {
				s.alloc.Release(seq.BlockTable)
				seq.BlockTable = nil
			}
		}
		if req.IsFinished() {
			var err error
			if errs != nil {
				err = errs[req]
			}
			s.finishRequest(req, err)
			continue
		}
		still = append(still, req)
	}
	s.running = still
}

func (s *Scheduler) finishRequest(req *Request, err error) {
	cancelled := req.Status == StatusCancelled
	if !cancelled {
		req.Status = StatusFinished
	}
	s.deliverFinal(req, err)

	var outputTokens int64
	for _, seq := range req.Sequences {
		outputTokens += int64(seq.NumGenerated())
		delete(s.decoded, seq)
	}
	if cancelled {
		s.metrics.RecordCancellation()
	} else {
		s.metrics.RecordCompletion(s.clock-req.ArrivalTime, outputTokens)
	}
	delete(s.handles, req.ID)
}

// deliverFinal ranks best-of siblings if needed and sends the FinalEvent.
func (s *Scheduler) deliverFinal(req *Request, err error) {
	if req.finalSent {
		return
	}
	req.finalSent = true

	chosen := req.Sequences
	if req.IsBestOf() {
		chosen = req.rankSiblings()
	}

	var promptTokens, completionTokens int
	if len(req.Sequences) > 0 {
		promptTokens = req.Sequences[0].NumPromptTokens
	}
	choices := make([]FinalChoice, len(chosen))
	for i, seq := range chosen {
		choices[i] = FinalChoice{
			SequenceIndex: seq.Index,
			Text:          s.fullText(seq),
			FinishReason:  seq.FinishReason,
			Logprob:       seq.CumulativeLogp,
		}
		completionTokens += seq.NumGenerated()
	}

	req.deliver(OutputEvent{
		RequestID: req.ID,
		Final: &FinalEvent{
			Choices:          choices,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Err: err,
	})

	for _, seq := range req.Sequences {
		s.trace.RecordFinish(trace.FinishRecord{RequestID: req.ID, SequenceIndex: seq.Index, Step: s.clock, Reason: string(seq.FinishReason)})
	}
}
