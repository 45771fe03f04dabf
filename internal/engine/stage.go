package engine

import (
	"context"
	"time"
)

// StageID identifies a stage. IDs are stable across runs and double as badge
// file names.
type StageID string

// FullTarget asks for every stage to run.
const FullTarget = "full"

// Status is the lifecycle state of a stage within one run.
//
//	not-run → running → passed | failed
//	not-run → skipped            (never executed)
type Status string

const (
	StatusNotRun  Status = "not-run"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StageFunc does the stage's work. Returning nil means passed.
type StageFunc func(ctx context.Context, rc *RunContext) error

// Stage is one named, ordered step of the pipeline.
type Stage struct {
	ID          StageID
	Description string
	Run         StageFunc
}

// StageResult is the finalized record of one stage. Results are appended
// once the stage ends and never modified afterwards.
type StageResult struct {
	Seq      int64         `json:"seq"`
	StageID  StageID       `json:"stage"`
	Status   Status        `json:"status"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunOutcome is the result of one Execute call.
type RunOutcome struct {
	RunID    string        `json:"run_id"`
	Target   StageID       `json:"target"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Results  []StageResult `json:"results"`

	// Truncated is set when the run stopped at a target before the last stage.
	Truncated bool `json:"truncated"`

	// Err is an error that escaped the stages themselves (cancellation, panic
	// in the supervisor, reporting failure).
	Err error `json:"-"`
}

// Failed returns the failing stage result, if any.
func (o RunOutcome) Failed() (StageResult, bool) {
	for _, r := range o.Results {
		if r.Status == StatusFailed {
			return r, true
		}
	}
	return StageResult{}, false
}

// Passed reports whether every executed stage passed and nothing escaped.
func (o RunOutcome) Passed() bool {
	_, failed := o.Failed()
	return !failed && o.Err == nil
}

// ExitCode is 0 iff the run passed, otherwise 1.
func (o RunOutcome) ExitCode() int {
	if o.Passed() {
		return 0
	}
	return 1
}

// Count returns how many results have the given status.
func (o RunOutcome) Count(s Status) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Statuses returns stage → status for every result.
func (o RunOutcome) Statuses() map[StageID]Status {
	m := make(map[StageID]Status, len(o.Results))
	for _, r := range o.Results {
		m[r.StageID] = r.Status
	}
	return m
}
