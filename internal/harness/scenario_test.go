package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Valid(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/upload_rejected.yaml")
	require.NoError(t, err)

	assert.Equal(t, "upload_rejected", s.Name)
	assert.Equal(t, 2, s.Items)
	require.NotNil(t, s.Faults.Upload)
	assert.Equal(t, 400, s.Faults.Upload.Status)
	assert.Equal(t, "malformed multipart body", s.Faults.Upload.Message)
	assert.Len(t, s.Assertions, 7)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: typo
description: "misspelled key"
assertion:
  - type: exit_code
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nassertions: [{type: exit_code}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nassertions: [{type: exit_code}]\n",
			wantErr: "description is required",
		},
		{
			name:    "unknown profile",
			yaml:    "name: n\ndescription: d\nprofile: medium\nassertions: [{type: exit_code}]\n",
			wantErr: "medium",
		},
		{
			name:    "no assertions",
			yaml:    "name: n\ndescription: d\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "stage status without stage",
			yaml:    "name: n\ndescription: d\nassertions: [{type: stage_status, status: passed}]\n",
			wantErr: "stage and a passed/failed/skipped status are required",
		},
		{
			name:    "cleanup status with stage status value",
			yaml:    "name: n\ndescription: d\nassertions: [{type: cleanup_status, step: delete-bucket, status: passed}]\n",
			wantErr: "done/skipped/failed",
		},
		{
			name:    "chain order without calls",
			yaml:    "name: n\ndescription: d\nassertions: [{type: chain_order}]\n",
			wantErr: "calls list is required",
		},
		{
			name:    "upload fault with success status",
			yaml:    "name: n\ndescription: d\nfaults: {upload: {status: 200}}\nassertions: [{type: exit_code}]\n",
			wantErr: "not an error status",
		},
		{
			name:    "chain fault without reasons",
			yaml:    "name: n\ndescription: d\nfaults: {chain: [{call: fileSystem.deleteFile}]}\nassertions: [{type: exit_code}]\n",
			wantErr: "call and reasons are required",
		},
		{
			name:    "exit code out of range",
			yaml:    "name: n\ndescription: d\nassertions: [{type: exit_code, code: 7}]\n",
			wantErr: "code must be 0, 1 or 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
