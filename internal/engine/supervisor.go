package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reporter consumes the finalized outcome of a run.
type Reporter interface {
	Report(ctx context.Context, outcome RunOutcome, cleanup *CleanupReport) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, outcome RunOutcome, cleanup *CleanupReport) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, outcome RunOutcome, cleanup *CleanupReport) error {
	return f(ctx, outcome, cleanup)
}

// Supervisor is the run-level handler: it executes the pipeline, runs cleanup
// exactly once when the run failed or stopped early, and always hands the
// outcome to every reporter, even if cleanup or the run itself panics.
type Supervisor struct {
	Engine    *Engine
	Cleanup   *Cleanup
	Reporters []Reporter
	Logger    *slog.Logger

	// CleanupTimeout bounds cleanup and reporting, which run on a context
	// detached from the run's cancellation.
	CleanupTimeout time.Duration
}

// Run executes one run to target and returns its outcome.
func (s *Supervisor) Run(ctx context.Context, rc *RunContext, target StageID) (out RunOutcome) {
	logger := s.Logger
	if logger == nil {
		logger = rc.Logger
	}
	timeout := s.CleanupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	var cleanup *CleanupReport
	out = RunOutcome{RunID: rc.RunID, Target: target, Started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", "panic", r)
			out.Err = errors.Join(out.Err, fmt.Errorf("run panicked: %v", r))
			out.Results = s.complete(out.Results)
			if cleanup == nil && s.Cleanup != nil {
				cleanup = s.cleanup(ctx, rc, "run panicked", timeout)
			}
		}
		if err := s.report(ctx, out, cleanup, timeout); err != nil {
			out.Err = errors.Join(out.Err, err)
		}
	}()

	out = s.Engine.Execute(ctx, rc, target)

	if reason, ok := cleanupReason(out); ok && s.Cleanup != nil {
		cleanup = s.cleanup(ctx, rc, reason, timeout)
	}
	return out
}

func (s *Supervisor) cleanup(ctx context.Context, rc *RunContext, reason string, timeout time.Duration) *CleanupReport {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	rep := s.Cleanup.Run(cctx, rc, reason)
	return &rep
}

func (s *Supervisor) report(ctx context.Context, out RunOutcome, cleanup *CleanupReport, timeout time.Duration) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	for _, r := range s.Reporters {
		if err := reportSafely(rctx, r, out, cleanup); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func reportSafely(ctx context.Context, r Reporter, out RunOutcome, cleanup *CleanupReport) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reporter panicked: %v", p)
		}
	}()
	return r.Report(ctx, out, cleanup)
}

// complete pads a partial result list with skipped entries so the report
// always covers every stage.
func (s *Supervisor) complete(results []StageResult) []StageResult {
	seen := make(map[StageID]bool, len(results))
	for _, r := range results {
		seen[r.StageID] = true
	}
	for _, st := range s.Engine.Stages() {
		if !seen[st.ID] {
			results = append(results, s.Engine.skipped(st.ID))
		}
	}
	return results
}

// cleanupReason returns why cleanup should run, if it should.
func cleanupReason(out RunOutcome) (string, bool) {
	if failed, ok := out.Failed(); ok {
		return fmt.Sprintf("stage %s failed: %s", failed.StageID, failed.Error), true
	}
	if out.Err != nil {
		return fmt.Sprintf("run aborted: %v", out.Err), true
	}
	if out.Truncated {
		return fmt.Sprintf("run stopped at checkpoint %s", out.Target), true
	}
	return "", false
}
