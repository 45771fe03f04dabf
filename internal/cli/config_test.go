package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/testutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execConfig(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CANARY_SIGNER_SEED", "")
	t.Setenv(EnvConfigPath, "")
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String() + errOut.String(), err
}

func TestConfigValidate_Defaults(t *testing.T) {
	out, err := execConfig(t, "config", "validate")

	require.NoError(t, err)
	assert.Contains(t, out, "config ok (network local, light profile)")
}

func TestConfigValidate_SchemaError(t *testing.T) {
	path := writeConfig(t, "netwrok: local\n")

	out, err := execConfig(t, "--config", path, "config", "validate")

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeConfigInvalid)
}

func TestConfigValidate_UnknownNetwork(t *testing.T) {
	out, err := execConfig(t, "config", "validate", "--network", "mainnet")

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "invalid configuration")
}

func TestConfigShow_HidesSeed(t *testing.T) {
	path := writeConfig(t, "signer_seed: \""+testutil.TestSeed+"\"\nprofile: heavy\n")

	out, err := execConfig(t, "--config", path, "config", "show")

	require.NoError(t, err)
	assert.Contains(t, out, "signer_set: true")
	assert.Contains(t, out, "profile: heavy")
	assert.Contains(t, out, "items: 10")
	assert.NotContains(t, out, testutil.TestSeed[2:])
}
