// Group of sibling Sequences sharing one prompt (for n/best_of); aggregates
// outputs and delivers them through the caller's sink. Owned by the
// Scheduler.

package core

import (
	"sort"

	"github.com/google/uuid"
)

// Priority levels for admission ordering and preemption selection.
// Higher value == higher priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// RequestStatus tracks where a Request sits in the Scheduler's pools.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusRunning   RequestStatus = "running"
	StatusPreempted RequestStatus = "preempted"
	StatusFinished  RequestStatus = "finished"
	StatusCancelled RequestStatus = "cancelled"
)

// OutputEvent is what the Scheduler delivers to a Request's sink. At most
// one of Delta or Final is populated; an admission rejection carries only Err.
type OutputEvent struct {
	RequestID string
	Delta     *DeltaEvent
	Final     *FinalEvent
	Err       error // set for ErrInvalidRequest, a full admission queue, or an EngineError
}

// DeltaEvent is one incremental streamed update for a single sibling
// Sequence. The first delta for a Sequence carries empty Text to announce it.
type DeltaEvent struct {
	SequenceIndex int
	Text          string
	FinishReason  FinishReason // FinishNone unless this delta is terminal
}

// FinalEvent carries every chosen Sequence's full text plus token accounting,
// delivered once per Request when it finishes, streaming or not (for best-of
// Requests, after ranking).
type FinalEvent struct {
	Choices          []FinalChoice
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinalChoice is one ranked/chosen Sequence's final output.
type FinalChoice struct {
	SequenceIndex int
	Text          string
	FinishReason  FinishReason
	Logprob       float64
}

// Sink receives OutputEvents for one Request. Returning false signals
// back-pressure and causes the Scheduler to cancel the Request.
type Sink func(OutputEvent) bool

// RequestSpec is the caller-supplied description of a new Request.
type RequestSpec struct {
	Prompt        []int // pre-tokenized; tokenization is an external collaborator
	Params        SamplingParams
	Priority      Priority
	Stream        bool
	MaxContextLen int // model context length, for admission rejection
	EOSTokenID    int
}

// Request groups sibling Sequences spawned from one prompt.
type Request struct {
	ID          string
	Priority    Priority
	ArrivalTime int64 // scheduler step-loop logical clock, not wall time
	Stream      bool
	Sequences   []*Sequence
	sink        Sink
	Status      RequestStatus
	skipped     int // consecutive prefill-pass skips, for starvation escalation
	finalSent   bool
	announced   map[int]bool
}

// newRequest constructs a Request and its sibling Sequences (n at birth, or
// best_of when best_of > n).
func newRequest(spec RequestSpec, arrivalTime int64) *Request {
	n := spec.Params.N
	if n <= 0 {
		n = 1
	}
	count := n
	if spec.Params.BestOf > n {
		count = spec.Params.BestOf
	}

	req := &Request{
		ID:          uuid.NewString(),
		Priority:    spec.Priority,
		ArrivalTime: arrivalTime,
		Stream:      spec.Stream && spec.Params.BestOf <= n, // best_of>n disallows streaming
		Status:      StatusPending,
		announced:   make(map[int]bool),
	}
	for i := 0; i < count; i++ {
		req.Sequences = append(req.Sequences, NewSequence(i, spec.Prompt, spec.Params, spec.EOSTokenID))
	}
	return req
}

// IsFinished reports whether every sibling Sequence has a finish reason.
func (r *Request) IsFinished() bool {
	for _, seq := range r.Sequences {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}

// IsBestOf reports whether this Request ranks siblings at completion
// instead of streaming them all.
func (r *Request) IsBestOf() bool {
	n := r.Sequences[0].Params.N
	if n <= 0 {
		n = 1
	}
	return len(r.Sequences) > n
}

// rankSiblings selects the top-n Sequences by length-normalized cumulative
// logprob (cumulative_logprob / tokens_generated), descending; see
// DESIGN.md for why length normalization was chosen over raw cumulative
// logprob.
func (r *Request) rankSiblings() []*Sequence {
	n := r.Sequences[0].Params.N
	if n <= 0 {
		n = 1
	}
	ranked := make([]*Sequence, len(r.Sequences))
	copy(ranked, r.Sequences)
	sort.SliceStable(ranked, func(i, j int) bool {
		return normalizedLogprob(ranked[i]) > normalizedLogprob(ranked[j])
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

func normalizedLogprob(s *Sequence) float64 {
	gen := s.NumGenerated()
	if gen == 0 {
		return s.CumulativeLogp
	}
	return s.CumulativeLogp / float64(gen)
}

// deliver invokes the sink and marks the Request cancelled on back-pressure.
// Returns false if delivery failed (sink returned false), in which case the
// caller (Scheduler) must treat the Request as cancelled going forward.
func (r *Request) deliver(ev OutputEvent) bool {
	if r.sink == nil {
		return true
	}
	ok := r.sink(ev)
	if !ok {
		r.Status = StatusCancelled
		for _, seq := range r.Sequences {
			seq.Cancel()
		}
	}
	return ok
}
