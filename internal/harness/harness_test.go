package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/engine"
)

// goldenScenarios have fully deterministic traces.
var goldenScenarios = map[string]bool{
	"light_full_run":           true,
	"unhealthy_indexer":        true,
	"checkpoint_create_bucket": true,
}

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name matches its file")

			if goldenScenarios[name] {
				RunWithGolden(t, scenario)
				return
			}
			result, err := Run(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion errors:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectation",
		Description: "expects a failure that does not happen",
		Target:      "health",
		Assertions: []Assertion{
			{Type: AssertStageStatus, Stage: "health", Status: "failed"},
			{Type: AssertExitCode, Code: 0},
		},
	}

	result, err := Run(t, scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "stage health failed")
	assert.Contains(t, result.Errors[0], "stage health passed")
	assert.True(t, result.Outcome.Truncated)
}

func TestRun_UnknownTarget(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_target",
		Description: "checkpoint names no stage",
		Target:      "nowhere",
		Assertions:  []Assertion{{Type: AssertExitCode}},
	}

	_, err := Run(t, scenario)
	require.Error(t, err)
}

func TestRun_HeavyProfileUsesParallelUploads(t *testing.T) {
	scenario := &Scenario{
		Name:        "heavy_small",
		Description: "heavy profile with few items",
		Profile:     "heavy",
		Items:       4,
		Assertions: []Assertion{
			{Type: AssertChainCount, Call: "fileSystem.issueStorageRequest", Count: 4},
			{Type: AssertChainCount, Call: "fileSystem.deleteFile", Count: 4},
			{Type: AssertExitCode, Code: 0},
		},
	}

	result, err := Run(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, 10, result.Outcome.Count(engine.StatusPassed))
	assert.Nil(t, result.Cleanup)
}

func TestSettings_OverridesProfile(t *testing.T) {
	s, err := Settings(&Scenario{Profile: "heavy", Items: 2, Width: 1})
	require.NoError(t, err)
	assert.Equal(t, "heavy", s.Profile)
	assert.Equal(t, 2, s.Items)
	assert.Equal(t, 1, s.Width)
	assert.Equal(t, 256, s.PayloadSize)

	_, err = Settings(&Scenario{Profile: "medium"})
	require.Error(t, err)
}
