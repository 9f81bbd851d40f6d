package domain

import (
	"sync"
	"time"
)

// RunState is the stage a run is in. A persisted state means every earlier
// stage has been completed and checkpointed.
type RunState string

const (
	RunIngesting   RunState = "INGESTING"
	RunSummarizing RunState = "SUMMARIZING"
	RunDeduping    RunState = "DEDUPING"
	RunScoring     RunState = "SCORING"
	RunSelecting   RunState = "SELECTING"
	RunPersisted   RunState = "PERSISTED"
	RunDelivered   RunState = "DELIVERED"
)

var runOrder = map[RunState]int{
	RunIngesting:   0,
	RunSummarizing: 1,
	RunDeduping:    2,
	RunScoring:     3,
	RunSelecting:   4,
	RunPersisted:   5,
	RunDelivered:   6,
}

// Before reports whether s precedes other in the state machine.
func (s RunState) Before(other RunState) bool {
	return runOrder[s] < runOrder[other]
}

// Finished reports whether the run no longer owns any items mid-flight.
func (s RunState) Finished() bool {
	return s == RunPersisted || s == RunDelivered
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	_, ok := runOrder[s]
	return ok
}

// Run is the persisted record of one pipeline execution for a date.
type Run struct {
	ID         string
	Date       string
	State      RunState
	Partial    bool
	Degraded   bool
	Failures   []SourceFailure
	StartedAt  time.Time
	UpdatedAt  time.Time
	LeaseOwner string
	LeaseUntil time.Time
}

// SourceFailure is a per-source problem recorded for reporting.
type SourceFailure struct {
	Source   string    `json:"source"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// RunContext is threaded through every stage call of a run.
type RunContext struct {
	RunID    string
	Date     string
	Now      time.Time
	Location *time.Location

	mu       sync.Mutex
	failures []SourceFailure
	partial  bool
}

// NewRunContext builds a run context for date evaluated at now.
func NewRunContext(runID, date string, now time.Time, loc *time.Location) *RunContext {
	if loc == nil {
		loc = time.UTC
	}
	return &RunContext{RunID: runID, Date: date, Now: now, Location: loc}
}

// AddFailure records a failed source. Safe for concurrent use.
func (rc *RunContext) AddFailure(f SourceFailure) {
	rc.mu.Lock()
	rc.failures = append(rc.failures, f)
	rc.mu.Unlock()
}

// Failures returns a copy of the recorded failures.
func (rc *RunContext) Failures() []SourceFailure {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]SourceFailure, len(rc.failures))
	copy(out, rc.failures)
	return out
}

// MarkPartial flags the run as produced from an incomplete item set.
func (rc *RunContext) MarkPartial() {
	rc.mu.Lock()
	rc.partial = true
	rc.mu.Unlock()
}

// Partial reports whether MarkPartial was called.
func (rc *RunContext) Partial() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.partial
}
