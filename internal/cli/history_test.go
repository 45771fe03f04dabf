package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/store"
)

func seedHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canary.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []store.Run{
		{
			RunID: "run-a", Network: "local", Profile: "light", Target: "verify-absence",
			StartedAt: start, Duration: 40 * time.Second, Passed: true,
			Stages: []store.StageResult{
				{Seq: 1, StageID: "connect", Status: "passed", Duration: time.Second},
				{Seq: 2, StageID: "upload", Status: "passed", Duration: 2 * time.Second},
			},
		},
		{
			RunID: "run-b", Network: "testnet", Profile: "heavy", Target: "verify-absence",
			StartedAt: start.Add(time.Hour), Duration: time.Minute,
			Failure:       "stage upload failed: rejected",
			CleanupReason: "stage upload failed: rejected",
			Stages: []store.StageResult{
				{Seq: 1, StageID: "connect", Status: "passed", Duration: time.Second},
				{Seq: 2, StageID: "upload", Status: "failed", Duration: 3 * time.Second, Error: "rejected"},
			},
			CleanupSteps: []store.CleanupStep{{Name: "delete-bucket", Status: "done"}},
		},
	}
	for _, r := range runs {
		require.NoError(t, st.WriteRun(context.Background(), r))
	}
	return path
}

func execHistory(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"history"}, args...))
	err := cmd.Execute()
	return out.String() + errOut.String(), err
}

func TestHistory_ListsNewestFirst(t *testing.T) {
	db := seedHistory(t)

	out, err := execHistory(t, "--db", db)

	require.NoError(t, err)
	a, b := bytes.Index([]byte(out), []byte("run-a")), bytes.Index([]byte(out), []byte("run-b"))
	require.True(t, a >= 0 && b >= 0, out)
	assert.Less(t, b, a, "newest run first")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "stage upload failed: rejected")
}

func TestHistory_FiltersByNetwork(t *testing.T) {
	db := seedHistory(t)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--format", "json", "history", "--db", db, "--network", "local"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data []store.Run `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "run-a", resp.Data[0].RunID)
}

func TestHistory_ShowsOneRun(t *testing.T) {
	db := seedHistory(t)

	out, err := execHistory(t, "--db", db, "run-b")

	require.NoError(t, err)
	assert.Contains(t, out, "run run-b  testnet  heavy profile")
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "cleanup: stage upload failed: rejected")
	assert.Contains(t, out, "delete-bucket")
}

func TestHistory_UnknownRun(t *testing.T) {
	db := seedHistory(t)

	_, err := execHistory(t, "--db", db, "nope")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHistory_StageResults(t *testing.T) {
	db := seedHistory(t)

	out, err := execHistory(t, "--db", db, "--stage", "upload")

	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "rejected")
	assert.Contains(t, out, "passed")
}
