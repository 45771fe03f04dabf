package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render formats a trace one event per line for golden file comparison:
//
//	stage upload failed: rejected
//	cleanup delete-bucket done
//	chain fileSystem.deleteBucket
//	exit 1
func Render(name string, r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)
	for _, e := range r.Trace {
		b.WriteString(e.Type + " " + e.Name)
		if e.Status != "" {
			b.WriteString(" " + e.Status)
		}
		if e.Error != "" {
			b.WriteString(": " + e.Error)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "exit %d\n", r.Outcome.ExitCode())
	return []byte(b.String())
}

// RunWithGolden executes the scenario, fails the test on any assertion
// error, and compares the rendered trace with testdata/golden/<name>.golden.
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(t, scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	for _, e := range result.Errors {
		t.Errorf("scenario %s: %s", scenario.Name, e)
	}

	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares the given result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Render(name, result))
}
