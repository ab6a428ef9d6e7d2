// Package trace collects scheduler decision records for tests and
// diagnostics — admissions, preemptions and finishes — so a test can
// inspect why the Scheduler did what it did without re-deriving it from
// log lines. Pure data, no dependency on the core package.
package trace

// Level controls whether the Scheduler bothers recording at all.
type Level string

const (
	LevelNone      Level = "none"
	LevelDecisions Level = "decisions"
)

var validLevels = map[Level]bool{
	LevelNone:      true,
	LevelDecisions: true,
	"":             true, // empty defaults to none
}

// IsValid reports whether level is a recognized Level string.
func IsValid(level string) bool {
	return validLevels[Level(level)]
}

// AdmissionRecord captures one admission decision.
type AdmissionRecord struct {
	RequestID string
	Step      int64
	Admitted  bool
	Reason    string
}

// PreemptionRecord captures one preemption.
type PreemptionRecord struct {
	RequestID string
	Step      int64
	Mode      string // "recompute" or "swap"
	Reason    string
}

// FinishRecord captures one Sequence's terminal state.
type FinishRecord struct {
	RequestID     string
	SequenceIndex int
	Step          int64
	Reason        string
}

// SchedulerTrace accumulates records across a Scheduler's lifetime.
type SchedulerTrace struct {
	Level       Level
	Admissions  []AdmissionRecord
	Preemptions []PreemptionRecord
	Finishes    []FinishRecord
}

// New creates a SchedulerTrace ready for recording.
func New(level Level) *SchedulerTrace {
	return &SchedulerTrace{Level: level}
}

func (t *SchedulerTrace) enabled() bool {
	return t != nil && t.Level == LevelDecisions
}

// RecordAdmission appends an admission record, a no-op unless tracing is at
// LevelDecisions.
func (t *SchedulerTrace) RecordAdmission(r AdmissionRecord) {
	if !t.enabled() {
		return
	}
	t.Admissions = append(t.Admissions, r)
}

// RecordPreemption appends a preemption record, a no-op unless tracing is
// at LevelDecisions.
func (t *SchedulerTrace) RecordPreemption(r PreemptionRecord) {
	if !t.enabled() {
		return
	}
	t.Preemptions = append(t.Preemptions, r)
}

// RecordFinish appends a finish record, a no-op unless tracing is at
// LevelDecisions.
func (t *SchedulerTrace) RecordFinish(r FinishRecord) {
	if !t.enabled() {
		return
	}
	t.Finishes = append(t.Finishes, r)
}
