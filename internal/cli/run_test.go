package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/config"
	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/report"
	"github.com/roach88/canary/internal/store"
	"github.com/roach88/canary/internal/testutil"
)

// runFixture is a fake network plus a config file pointing at it.
type runFixture struct {
	env        *testutil.Env
	dir        string
	configPath string
}

func newRunFixture(t *testing.T, withSeed bool) *runFixture {
	t.Helper()
	for _, name := range []string{config.EnvNetwork, config.EnvProfile, config.EnvSignerSeed,
		config.EnvChainURL, config.EnvBackendURL, config.EnvRedisAddr, config.EnvS3Bucket} {
		t.Setenv(name, "")
	}

	env := testutil.NewEnv(t)
	dir := t.TempDir()

	seed := ""
	if withSeed {
		seed = fmt.Sprintf("signer_seed: %q\n", testutil.TestSeed)
	}
	cfg := fmt.Sprintf(`network: local
%snetworks:
  local:
    chain_url: ws://fake-node
    backend_url: %s
    profiles:
      light:
        payload_size: 256
        backend_poll: {retries: 50, delay: 10ms}
        state_poll: {retries: 50, delay: 10ms}
        finalization: {timeout: 5s, interval: 10ms}
        event_timeout: 5s
        receipt_timeout: 5s
        retry: {base_delay: 10ms, max_delay: 50ms}
output:
  badge_dir: %s
  metrics_path: %s
  history_db: %s
`, seed, env.Backend.URL(),
		filepath.Join(dir, "badges"),
		filepath.Join(dir, "badges", "canary.prom"),
		filepath.Join(dir, "canary.db"))

	path := filepath.Join(dir, "canary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &runFixture{env: env, dir: dir, configPath: path}
}

// execRun runs `canary run` against the fixture with JSON output.
func (f *runFixture) execRun(t *testing.T, args ...string) (CLIResponse, RunSummary, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "json", ConfigPath: f.configPath},
		DialChain: func(context.Context, config.Network, *slog.Logger) (chain.Client, error) {
			return f.env.Chain, nil
		},
	}
	cmd := newRunCommand(opts)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()

	var resp CLIResponse
	var summary RunSummary
	resp.Data = &summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "stdout: %s\nstderr: %s", out.String(), errOut.String())
	return resp, summary, err
}

func TestRun_FullRunPasses(t *testing.T) {
	f := newRunFixture(t, true)

	resp, summary, err := f.execRun(t)

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, summary.Passed)
	assert.Equal(t, "local", summary.Network)
	assert.Equal(t, "light", summary.Profile)
	require.Len(t, summary.Stages, 10)
	for _, r := range summary.Stages {
		assert.Equal(t, engine.StatusPassed, r.Status, "stage %s", r.StageID)
	}
	assert.Nil(t, summary.Cleanup, "a passing full run needs no cleanup")

	badges := filepath.Join(f.dir, "badges")
	assert.FileExists(t, filepath.Join(badges, report.StatusFile))
	assert.FileExists(t, filepath.Join(badges, report.SummaryFile))
	assert.FileExists(t, filepath.Join(badges, "connect.json"))
	assert.FileExists(t, filepath.Join(badges, "canary.prom"))

	st, err := store.Open(filepath.Join(f.dir, "canary.db"))
	require.NoError(t, err)
	defer st.Close()
	run, err := st.ReadRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.True(t, run.Passed)
	assert.Len(t, run.Stages, 10)
}

func TestRun_CheckpointSkipsLaterStagesAndCleansUp(t *testing.T) {
	f := newRunFixture(t, true)

	_, summary, err := f.execRun(t, "--until", "create-bucket", "--no-history")

	require.NoError(t, err)
	assert.True(t, summary.Passed)
	assert.EqualValues(t, "create-bucket", summary.Target)
	assert.Equal(t, engine.StatusPassed, summary.Stages[3].Status)
	for _, r := range summary.Stages[4:] {
		assert.Equal(t, engine.StatusSkipped, r.Status, "stage %s", r.StageID)
	}
	require.NotNil(t, summary.Cleanup, "a truncated run cleans up what it created")
	assert.Contains(t, f.env.Chain.Calls(), "fileSystem.deleteBucket")

	assert.NoFileExists(t, filepath.Join(f.dir, "canary.db"), "--no-history skips the store")
}

func TestRun_StageFailureExitsOne(t *testing.T) {
	f := newRunFixture(t, true)
	f.env.Backend.SetHealth(testHealth("degraded"))

	_, summary, err := f.execRun(t)

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.False(t, summary.Passed)
	assert.Contains(t, summary.Failure, "health")
	assert.Equal(t, engine.StatusFailed, summary.Stages[1].Status)

	data, err := os.ReadFile(filepath.Join(f.dir, "badges", report.StatusFile))
	require.NoError(t, err)
	var status report.Status
	require.NoError(t, json.Unmarshal(data, &status))
	assert.False(t, status.Passed)
	assert.Equal(t, engine.StatusSkipped, status.Stages["verify-absence"])
}

func TestRun_UnknownCheckpoint(t *testing.T) {
	f := newRunFixture(t, true)

	resp, _, err := f.execRun(t, "--until", "nowhere")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownStage, resp.Error.Code)
	assert.Empty(t, f.env.Chain.Calls(), "nothing runs before the checkpoint is resolved")
}

func TestRun_MissingSeedIsCommandError(t *testing.T) {
	f := newRunFixture(t, false)

	resp, _, err := f.execRun(t)

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfigInvalid, resp.Error.Code)
	assert.NoDirExists(t, filepath.Join(f.dir, "badges"))
}

func TestFormatRun(t *testing.T) {
	s := RunSummary{
		RunID:   "r1",
		Network: "local",
		Profile: "light",
		Stages: []engine.StageResult{
			{StageID: "connect", Status: engine.StatusPassed},
			{StageID: "health", Status: engine.StatusFailed, Error: "down"},
			{StageID: "auth", Status: engine.StatusSkipped},
		},
		Failure: "stage health failed: down",
	}

	text := formatRun(s)
	assert.Contains(t, text, "run r1 (local, light profile)")
	assert.Contains(t, text, "down")
	assert.Contains(t, text, "auth               skipped\n")
	assert.Contains(t, text, "FAIL: stage health failed: down")
}

func testHealth(indexer string) backend.Health {
	return backend.Health{
		Status: "healthy",
		Components: map[string]backend.ComponentHealth{
			"database": {Status: "healthy"},
			"indexer":  {Status: indexer},
		},
	}
}
