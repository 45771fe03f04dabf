package report

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/engine"
)

var pipeline = []engine.StageID{
	"connect", "health", "auth", "create-bucket", "request-storage",
	"upload", "await-fulfillment", "verify-download", "delete", "verify-absence",
}

// scenarioA is a full run that failed at auth.
func scenarioA() (engine.RunOutcome, *engine.CleanupReport) {
	out := engine.RunOutcome{
		RunID:    "run-a",
		Target:   "verify-absence",
		Started:  time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Duration: 5 * time.Second,
		Results: []engine.StageResult{
			{Seq: 1, StageID: "connect", Status: engine.StatusPassed, Duration: time.Second},
			{Seq: 2, StageID: "health", Status: engine.StatusPassed, Duration: 2 * time.Second},
			{Seq: 3, StageID: "auth", Status: engine.StatusFailed, Duration: 500 * time.Millisecond, Error: "session rejected"},
		},
	}
	for i, id := range pipeline[3:] {
		out.Results = append(out.Results, engine.StageResult{Seq: int64(4 + i), StageID: id, Status: engine.StatusSkipped})
	}
	cleanup := &engine.CleanupReport{
		Reason: "stage auth failed: session rejected",
		Steps: []engine.CleanupStepResult{
			{Name: "delete-items", Status: engine.CleanupSkipped},
			{Name: "delete-bucket", Status: engine.CleanupSkipped},
		},
	}
	return out, cleanup
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Connect", Label("connect"))
	assert.Equal(t, "Create Bucket", Label("create-bucket"))
	assert.Equal(t, "Await Fulfillment", Label("await-fulfillment"))
}

func TestColor(t *testing.T) {
	assert.Equal(t, "brightgreen", Color(engine.StatusPassed))
	assert.Equal(t, "red", Color(engine.StatusFailed))
	assert.Equal(t, "lightgrey", Color(engine.StatusSkipped))
	assert.Equal(t, "lightgrey", Color(engine.StatusNotRun))
}

func TestFileWriter_ScenarioA(t *testing.T) {
	dir := t.TempDir()
	w := &FileWriter{
		Dir:     dir,
		Stages:  pipeline,
		Network: "local",
		Now:     func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	out, cleanup := scenarioA()

	require.NoError(t, w.Report(context.Background(), out, cleanup))

	g := golden(t)
	for _, name := range []string{"connect", "health", "auth", "upload", "summary", "status"} {
		data, err := os.ReadFile(filepath.Join(dir, name+".json"))
		require.NoError(t, err, name)
		g.Assert(t, "scenario_a_"+name, data)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(pipeline)+2, "one badge per stage plus summary and status, no temp files")
}

func TestFileWriter_MissingResultsAreNotRun(t *testing.T) {
	dir := t.TempDir()
	w := &FileWriter{Dir: dir, Stages: pipeline}
	out := engine.RunOutcome{
		RunID:   "run-partial",
		Results: []engine.StageResult{{StageID: "connect", Status: engine.StatusPassed}},
		Err:     errors.New("run panicked: boom"),
	}

	require.NoError(t, w.Report(context.Background(), out, nil))

	data, err := os.ReadFile(filepath.Join(dir, "verify-absence.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message": "not run"`)
	assert.Contains(t, string(data), `"color": "lightgrey"`)

	data, err = os.ReadFile(filepath.Join(dir, StatusFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"failure": "run failed: run panicked: boom"`)
	assert.NotContains(t, string(data), `"cleanup"`)
}

func TestFileWriter_Overwrites(t *testing.T) {
	dir := t.TempDir()
	w := &FileWriter{Dir: dir, Stages: []engine.StageID{"connect"}}

	failed := engine.RunOutcome{Results: []engine.StageResult{{StageID: "connect", Status: engine.StatusFailed}}}
	passed := engine.RunOutcome{Results: []engine.StageResult{{StageID: "connect", Status: engine.StatusPassed}}}
	require.NoError(t, w.Report(context.Background(), failed, nil))
	require.NoError(t, w.Report(context.Background(), passed, nil))

	data, err := os.ReadFile(filepath.Join(dir, "connect.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ColorPassed)
}

func TestSummaryBadge(t *testing.T) {
	out, _ := scenarioA()
	b := SummaryBadge("canary", out, len(pipeline), 60)

	assert.Equal(t, "2/10 passed", b.Message)
	assert.Equal(t, ColorFailed, b.Color)
	assert.Equal(t, 60, b.CacheSeconds)
	assert.Equal(t, SchemaVersion, b.SchemaVersion)
}

func TestMetricsWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics", MetricsFile)
	m := &MetricsWriter{Path: path, Network: "local", Stages: pipeline}
	out, cleanup := scenarioA()
	cleanup.Steps[1].Status = engine.CleanupFailed

	require.NoError(t, m.Report(context.Background(), out, cleanup))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `canary_stage_status{network="local",stage="auth",status="failed"} 1`)
	assert.Contains(t, text, `canary_stage_status{network="local",stage="auth",status="passed"} 0`)
	assert.Contains(t, text, `canary_stage_status{network="local",stage="upload",status="skipped"} 1`)
	assert.Contains(t, text, `canary_stage_duration_seconds{network="local",stage="health"} 2`)
	assert.NotContains(t, text, `canary_stage_duration_seconds{network="local",stage="upload"}`)
	assert.Contains(t, text, `canary_run_passed{network="local"} 0`)
	assert.Contains(t, text, `canary_cleanup_failed{network="local"} 1`)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	fail    string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if *in.Key == f.fail {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Publisher_UploadsBadgeDirectory(t *testing.T) {
	dir := t.TempDir()
	out, cleanup := scenarioA()
	require.NoError(t, (&FileWriter{Dir: dir, Stages: pipeline}).Report(context.Background(), out, cleanup))

	client := &fakeS3{objects: make(map[string]string)}
	p := &S3Publisher{Client: client, Bucket: "badges", Prefix: "canary/local", Dir: dir}

	require.NoError(t, p.Report(context.Background(), out, cleanup))

	assert.Len(t, client.objects, len(pipeline)+2)
	assert.Contains(t, client.objects["badges/canary/local/auth.json"], `"color": "red"`)
}

func TestS3Publisher_ContinuesPastFailedUpload(t *testing.T) {
	dir := t.TempDir()
	out, cleanup := scenarioA()
	require.NoError(t, (&FileWriter{Dir: dir, Stages: pipeline}).Report(context.Background(), out, cleanup))

	client := &fakeS3{objects: make(map[string]string), fail: "auth.json"}
	p := &S3Publisher{Client: client, Bucket: "badges", Dir: dir}

	err := p.Report(context.Background(), out, cleanup)

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "auth.json"))
	assert.Len(t, client.objects, len(pipeline)+1)
}
