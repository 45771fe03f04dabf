package harness

import "github.com/roach88/canary/internal/engine"

// Trace event kinds.
const (
	EventStage   = "stage"
	EventCleanup = "cleanup"
	EventChain   = "chain"
)

// TraceEvent is one observable step of a run: a stage result, a cleanup
// step, or a transaction the run submitted.
type TraceEvent struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates every assertion held.
	Pass bool `json:"pass"`

	// Trace holds stage results in pipeline order, then cleanup steps, then
	// submitted transactions in submission order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Outcome is the run as the supervisor reported it.
	Outcome engine.RunOutcome `json:"-"`

	// Cleanup is nil when the run needed no cleanup.
	Cleanup *engine.CleanupReport `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStageTrace appends a stage result.
func (r *Result) AddStageTrace(res engine.StageResult) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventStage,
		Name:   string(res.StageID),
		Status: string(res.Status),
		Error:  res.Error,
	})
}

// AddCleanupTrace appends a cleanup step.
func (r *Result) AddCleanupTrace(step engine.CleanupStepResult) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventCleanup,
		Name:   step.Name,
		Status: string(step.Status),
		Error:  step.Error,
	})
}

// AddChainTrace appends a submitted transaction ("module.name").
func (r *Result) AddChainTrace(call string) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventChain, Name: call})
}

// events returns the trace entries of one kind.
func (r *Result) events(kind string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}
