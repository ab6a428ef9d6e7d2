// Package policy orders the waiting pool before each step's prefill pass.
// The extension point is a single OrderQueue method, sorting in place with
// sort.SliceStable for
// determinism, resolved once at construction via a string-keyed factory
// that panics on an unknown name.
package policy

import (
	"fmt"
	"sort"
)

// Waiting is the minimal view of a waiting Request that an ordering needs.
// Kept separate from core.Request so this package has no import cycle back
// to core.
type Waiting interface {
	ArrivalIndex() int64
	PriorityLevel() int
	SkipCount() int
	ID() string
}

// WaitingOrder reorders the waiting pool in place each step. now is the
// caller's logical clock, used to measure how long each Request has sat in
// waiting regardless of whether it was visited by the Batch Builder's
// prefill pass this step.
type WaitingOrder interface {
	OrderQueue(waiting []Waiting, now int64)
}

// FCFSOrder preserves first-come-first-served order: a no-op.
type FCFSOrder struct{}

func (FCFSOrder) OrderQueue(_ []Waiting, _ int64) {}

// prefillSkipEscalation is the Batch Builder's hardcoded skip-escalation
// threshold: a prompt rejected this many times by the prefill pass' token-
// or block-budget check is promoted so it doesn't starve forever behind a
// stream of smaller prompts. Fixed, not configurable.
const prefillSkipEscalation = 8

// PriorityAgingOrder sorts by priority level (descending), then arrival
// index (ascending), then id (ascending) for determinism, with two
// independent starvation escalations applied first:
//
//   - skip escalation: a Request rejected prefillSkipEscalation times by the
//     Batch Builder's prefill pass is promoted, regardless of how long it has
//     waited in absolute time.
//   - age escalation: a Request whose elapsed waiting time (now minus its
//     arrival index) has reached AgingThreshold is promoted, whether or not
//     the Batch Builder ever evaluated it that step — a Request can starve
//     sitting far back in priority+FIFO order without ever reaching the
//     prefill pass's skip check.
//
// Either escalation bumps priority by one level (max one bump, not additive)
// so starved Requests sort ahead of same-priority peers without needing a
// fourth, separate priority level.
type PriorityAgingOrder struct {
	AgingThreshold int
}

func (o PriorityAgingOrder) OrderQueue(waiting []Waiting, now int64) {
	sort.SliceStable(waiting, func(i, j int) bool {
		pi, pj := o.effectivePriority(waiting[i], now), o.effectivePriority(waiting[j], now)
		if pi != pj {
			return pi > pj
		}
		if waiting[i].ArrivalIndex() != waiting[j].ArrivalIndex() {
			return waiting[i].ArrivalIndex() < waiting[j].ArrivalIndex()
		}
		return waiting[i].ID() < waiting[j].ID()
	})
}

// effectivePriority bumps a starved Request's priority by one so it sorts
// ahead of same-priority peers. The two escalations are independent checks;
// either crossing its threshold is enough.
func (o PriorityAgingOrder) effectivePriority(w Waiting, now int64) int {
	p := w.PriorityLevel()
	if w.SkipCount() >= prefillSkipEscalation {
		p++
		return p
	}
	if o.AgingThreshold > 0 && now-w.ArrivalIndex() >= int64(o.AgingThreshold) {
		p++
	}
	return p
}

// NewWaitingOrder builds a WaitingOrder by name. Valid names: "fcfs"
// (default), "priority-aging". Panics on unrecognized names.
func NewWaitingOrder(name string, agingThreshold int) WaitingOrder {
	switch name {
	case "", "fcfs":
		return FCFSOrder{}
	case "priority-aging":
		return PriorityAgingOrder{AgingThreshold: agingThreshold}
	default:
		panic(fmt.Sprintf("corebatch: unknown waiting order %q", name))
	}
}
