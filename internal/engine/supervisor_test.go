package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureReporter remembers every report it receives.
type captureReporter struct {
	calls    atomic.Int32
	outcome  RunOutcome
	cleanup  *CleanupReport
	err      error
	panicMsg string
}

func (c *captureReporter) Report(_ context.Context, out RunOutcome, cleanup *CleanupReport) error {
	c.calls.Add(1)
	c.outcome = out
	c.cleanup = cleanup
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	return c.err
}

func countingCleanup(calls *int) *Cleanup {
	return NewCleanup(discardLogger(), CleanupStep{
		Name: "delete-bucket",
		Run: func(context.Context, *RunContext) error {
			*calls++
			return nil
		},
	})
}

func TestSupervisor_PassingRunSkipsCleanup(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", nil), r.stage("health", nil))
	cleanups := 0
	rep := &captureReporter{}

	s := &Supervisor{Engine: e, Cleanup: countingCleanup(&cleanups), Reporters: []Reporter{rep}, Logger: discardLogger()}
	out := s.Run(context.Background(), newTestRC(), e.Last())

	assert.True(t, out.Passed())
	assert.Equal(t, 0, cleanups)
	assert.Equal(t, int32(1), rep.calls.Load())
	assert.Nil(t, rep.cleanup)
	assert.Equal(t, out.Results, rep.outcome.Results)
}

func TestSupervisor_FullTargetSkipsCleanup(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", nil), r.stage("health", nil))
	cleanups := 0

	s := &Supervisor{Engine: e, Cleanup: countingCleanup(&cleanups), Logger: discardLogger()}
	out := s.Run(context.Background(), newTestRC(), FullTarget)

	require.NoError(t, out.Err)
	assert.True(t, out.Passed())
	assert.Equal(t, 0, cleanups, "a full run is not a truncation")
}

func TestSupervisor_FailureRunsCleanupOnce(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", nil), r.stage("upload", errors.New("rejected")), r.stage("delete", nil))
	cleanups := 0
	rep := &captureReporter{}
	cleanup := countingCleanup(&cleanups)

	s := &Supervisor{Engine: e, Cleanup: cleanup, Reporters: []Reporter{rep}, Logger: discardLogger()}
	out := s.Run(context.Background(), newTestRC(), e.Last())

	assert.False(t, out.Passed())
	assert.Equal(t, 1, cleanups)
	require.NotNil(t, rep.cleanup)
	assert.Equal(t, "stage upload failed: rejected", rep.cleanup.Reason)

	// A second trigger must not repeat any step.
	cleanup.Run(context.Background(), newTestRC(), "again")
	assert.Equal(t, 1, cleanups)
}

func TestSupervisor_CheckpointRunsCleanup(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", nil), r.stage("create-bucket", nil), r.stage("delete", nil))
	cleanups := 0
	rep := &captureReporter{}

	s := &Supervisor{Engine: e, Cleanup: countingCleanup(&cleanups), Reporters: []Reporter{rep}, Logger: discardLogger()}
	out := s.Run(context.Background(), newTestRC(), "create-bucket")

	assert.True(t, out.Passed())
	assert.True(t, out.Truncated)
	assert.Equal(t, 1, cleanups)
	require.NotNil(t, rep.cleanup)
	assert.Contains(t, rep.cleanup.Reason, "checkpoint create-bucket")
}

func TestSupervisor_ReportsEvenWhenCleanupPanics(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", errors.New("down")), r.stage("health", nil))
	rep := &captureReporter{}
	cleanup := NewCleanup(discardLogger(), CleanupStep{
		Name: "explodes",
		Run:  func(context.Context, *RunContext) error { panic("kaboom") },
	})

	s := &Supervisor{Engine: e, Cleanup: cleanup, Reporters: []Reporter{rep}, Logger: discardLogger()}
	out := s.Run(context.Background(), newTestRC(), e.Last())

	assert.Equal(t, int32(1), rep.calls.Load())
	require.NotNil(t, rep.cleanup)
	assert.True(t, rep.cleanup.Failed())
	assert.Equal(t, 1, out.ExitCode())
}

func TestSupervisor_ReporterErrorFailsRun(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", nil))
	failing := &captureReporter{err: errors.New("disk full")}
	panicking := &captureReporter{panicMsg: "bad reporter"}
	ok := &captureReporter{}

	s := &Supervisor{Engine: e, Reporters: []Reporter{failing, panicking, ok}, Logger: discardLogger()}
	out := s.Run(context.Background(), newTestRC(), e.Last())

	assert.Equal(t, int32(1), ok.calls.Load(), "one failing reporter must not starve the rest")
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "disk full")
	assert.Contains(t, out.Err.Error(), "bad reporter")
	assert.Equal(t, 1, out.ExitCode())
}

func TestSupervisor_ReportsAfterCancellation(t *testing.T) {
	var r recorder
	e := newTestEngine(t, r.stage("connect", nil), r.stage("health", nil))
	var reportCtxErr error
	reporter := ReporterFunc(func(ctx context.Context, out RunOutcome, _ *CleanupReport) error {
		reportCtxErr = ctx.Err()
		return nil
	})
	cleanups := 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Supervisor{Engine: e, Cleanup: countingCleanup(&cleanups), Reporters: []Reporter{reporter}, Logger: discardLogger()}
	out := s.Run(ctx, newTestRC(), e.Last())

	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.NoError(t, reportCtxErr, "reporting runs on a context detached from the run")
	assert.Equal(t, 1, cleanups)
}
