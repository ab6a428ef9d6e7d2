// Per-generation state: tokens, logical->physical block map, sampling
// config, decode cursor. A Sequence is pure state — selection and KV
// allocation are the Batch Builder's job (batch_formation.go).

package core

import (
	"math/rand"
	"strings"
)

// FinishReason explains why a Sequence stopped producing tokens.
type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
)

// finishPrecedence orders reasons that could fire in the same step;
// lower index wins: cancelled > error > stop > length.
var finishPrecedence = map[FinishReason]int{
	FinishCancelled: 0,
	FinishError:     1,
	FinishStop:      2,
	FinishLength:    3,
}

// higherPrecedence reports whether a should replace b as the finish reason.
func higherPrecedence(a, b FinishReason) bool {
	if b == FinishNone {
		return true
	}
	return finishPrecedence[a] < finishPrecedence[b]
}

// SamplingParams carries a Sequence's sampling configuration unchanged
// through to the Sampling Pipeline.
type SamplingParams struct {
	Temperature       float64 // 0 = greedy
	TopP              float64 // (0, 1]
	TopK              int     // 0 = disabled
	FrequencyPenalty  float64 // [0, 2]
	PresencePenalty   float64 // [-2, 2]
	RepetitionPenalty float64 // >= 0, 1 = none
	MaxTokens         int     // > 0
	Stop              []string
	StopTokenIDs      map[int]struct{}
	SkipSpecialTokens bool
	IgnoreEOS         bool
	N                 int
	BestOf            int // >= N
	LogitBias         map[int]float64
	Seed              int64
}

// stopState accumulates the decoded text that CheckStop scans for stop
// strings; the whole accumulated text is scanned after every token.
type stopState struct {
	decoded strings.Builder
}

// Sequence is one generation thread inside a Request.
type Sequence struct {
	Index            int // 0-based rank inside its Request
	Tokens           []int
	NumPromptTokens  int
	BlockTable       []int
	Params           SamplingParams
	FinishReason     FinishReason
	CumulativeLogp   float64
	stop             stopState
	eosTokenID       int
	eosConfigured    bool

	// rng is the Sequence's persistent sampling generator, lazily built by
	// RNG() and reused across every decode step so consecutive draws advance
	// instead of repeating the same quantile.
	rng *rand.Rand
}

// NewSequence creates a Sequence for the given prompt, ready to be admitted.
func NewSequence(index int, prompt []int, params SamplingParams, eosTokenID int) *Sequence {
	tokens := make([]int, len(prompt))
	copy(tokens, prompt)
	return &Sequence{
		Index:           index,
		Tokens:          tokens,
		NumPromptTokens: len(prompt),
		Params:          params,
		eosTokenID:      eosTokenID,
		eosConfigured:   true,
	}
}

// IsFinished reports whether the Sequence has a terminal finish reason.
func (s *Sequence) IsFinished() bool {
	return s.FinishReason != FinishNone
}

// NumGenerated returns the number of tokens produced beyond the prompt.
func (s *Sequence) NumGenerated() int {
	return len(s.Tokens) - s.NumPromptTokens
}

// NumBlocksNeeded returns how many additional blocks must be reserved to
// admit one more token, given the fixed block_size:
//
//	ceil((tokens.len + 1) / block_size) - block_table.len
func (s *Sequence) NumBlocksNeeded(blockSize int) int {
	need := ceilDiv(len(s.Tokens)+1, blockSize) - len(s.BlockTable)
	if need < 0 {
		return 0
	}
	return need
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// AppendToken appends a sampled token and its logprob, and updates the
// cumulative logprob. A finished Sequence must never have AppendToken called
// on it again — callers are expected to check
// IsFinished first; this is an invariant violation, not a recoverable error.
func (s *Sequence) AppendToken(id int, logprob float64) {
	if s.IsFinished() {
		panic("corebatch: AppendToken called on a finished Sequence")
	}
	s.Tokens = append(s.Tokens, id)
	s.CumulativeLogp += logprob
}

// CheckStop evaluates stop conditions after an append and returns the
// highest-precedence reason that fires, or FinishNone. decodedTail is the
// newly decoded text fragment for the just-appended token (used for
// stop-string matching via the tokenizer's incremental decoder, an external
// collaborator).
func (s *Sequence) CheckStop(decodedTail string) FinishReason {
	// Seed with whatever is already set (e.g. Cancel/Fail called by the
	// Scheduler before this step) so a pre-existing higher-precedence
	// reason is never overwritten by a lower one computed here.
	reason := s.FinishReason

	lastToken := s.Tokens[len(s.Tokens)-1]
	if !s.Params.IgnoreEOS && s.eosConfigured && lastToken == s.eosTokenID {
		reason = pickHigher(reason, FinishStop)
	}
	if _, ok := s.Params.StopTokenIDs[lastToken]; ok {
		reason = pickHigher(reason, FinishStop)
	}

	if decodedTail != "" {
		s.stop.decoded.WriteString(decodedTail)
	}
	if len(s.Params.Stop) > 0 {
		text := s.stop.decoded.String()
		for _, stopStr := range s.Params.Stop {
			if stopStr != "" && strings.Contains(text, stopStr) {
				reason = pickHigher(reason, FinishStop)
				break
			}
		}
	}

	if s.NumGenerated() >= s.Params.MaxTokens {
		reason = pickHigher(reason, FinishLength)
	}

	return reason
}

// StopTextLen returns the length of the decoded text before the earliest
// stop-string match, or the whole decoded length if no stop string occurs.
// The Scheduler uses it to trim delivered text so it excludes the stop
// string; CheckStop itself only classifies the finish reason.
func (s *Sequence) StopTextLen() int {
	text := s.stop.decoded.String()
	best := len(text)
	for _, stopStr := range s.Params.Stop {
		if stopStr == "" {
			continue
		}
		if idx := strings.Index(text, stopStr); idx >= 0 && idx < best {
			best = idx
		}
	}
	return best
}

// Cancel marks the Sequence cancelled, the highest-precedence finish reason.
func (s *Sequence) Cancel() {
	s.FinishReason = pickHigher(s.FinishReason, FinishCancelled)
}

// Fail marks the Sequence as failed by an engine error.
func (s *Sequence) Fail() {
	s.FinishReason = pickHigher(s.FinishReason, FinishError)
}

// finish applies reason if it has higher precedence than whatever is
// already set (or nothing is set yet).
func (s *Sequence) finish(reason FinishReason) {
	if reason == FinishNone {
		return
	}
	s.FinishReason = pickHigher(s.FinishReason, reason)
}

func pickHigher(current, candidate FinishReason) FinishReason {
	if current == FinishNone {
		return candidate
	}
	if higherPrecedence(candidate, current) {
		return candidate
	}
	return current
}
