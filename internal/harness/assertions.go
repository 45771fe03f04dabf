package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s", i+1, event.Type, event.Name, event.Status)
		if event.Error != "" {
			fmt.Fprintf(&buf, " (%s)", event.Error)
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

// evaluate runs one assertion against a finished result.
func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertStageStatus:
		return assertStatus(r, EventStage, a.Stage, a.Status, a.ErrorContains, a.Type)
	case AssertCleanupStatus:
		return assertStatus(r, EventCleanup, a.Step, a.Status, a.ErrorContains, a.Type)
	case AssertChainOrder:
		return assertChainOrder(r, a)
	case AssertChainCount:
		return assertChainCount(r, a)
	case AssertExitCode:
		if got := r.Outcome.ExitCode(); got != a.Code {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("exit code %d", a.Code),
				Actual:   fmt.Sprintf("exit code %d", got),
				Trace:    r.Trace,
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertStatus checks the status (and optionally the error text) of a named
// stage or cleanup step.
func assertStatus(r *Result, kind, name, status, errContains, typ string) error {
	for _, e := range r.events(kind) {
		if e.Name != name {
			continue
		}
		if e.Status != status {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s %s %s", kind, name, status),
				Actual:   fmt.Sprintf("%s %s %s", kind, name, e.Status),
				Trace:    r.Trace,
			}
		}
		if errContains != "" && !strings.Contains(e.Error, errContains) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s %s error containing %q", kind, name, errContains),
				Actual:   fmt.Sprintf("error %q", e.Error),
				Trace:    r.Trace,
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%s %s %s", kind, name, status),
		Actual:   "not found in trace",
		Trace:    r.Trace,
	}
}

// assertChainOrder checks that calls were submitted in the given relative
// order. Calls don't need to be consecutive, and a call listed twice must
// match two distinct submissions.
func assertChainOrder(r *Result, a Assertion) error {
	chain := r.events(EventChain)
	pos := 0
	for _, want := range a.Calls {
		found := false
		for pos < len(chain) {
			pos++
			if chain[pos-1].Name == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("calls in order: %v", a.Calls),
				Actual:   fmt.Sprintf("no %s after position %d", want, pos),
				Trace:    r.Trace,
			}
		}
	}
	return nil
}

// assertChainCount checks that the call was submitted exactly the specified
// number of times.
func assertChainCount(r *Result, a Assertion) error {
	count := 0
	for _, e := range r.events(EventChain) {
		if e.Name == a.Call {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d submissions of %s", a.Count, a.Call),
			Actual:   fmt.Sprintf("%d submissions", count),
			Trace:    r.Trace,
		}
	}
	return nil
}
