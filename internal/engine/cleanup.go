package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNothingToClean lets a cleanup step report that its resources are
// already gone. The step is recorded as skipped.
var ErrNothingToClean = errors.New("nothing to clean")

// CleanupStep is one best-effort reverse operation.
type CleanupStep struct {
	Name string

	// Requires lists artifacts the step needs. If any is missing the step is
	// skipped, not failed.
	Requires []ArtifactKey

	Run func(ctx context.Context, rc *RunContext) error
}

// CleanupStatus is the outcome of one cleanup step.
type CleanupStatus string

const (
	CleanupDone    CleanupStatus = "done"
	CleanupSkipped CleanupStatus = "skipped"
	CleanupFailed  CleanupStatus = "failed"
)

// CleanupStepResult records one step.
type CleanupStepResult struct {
	Name     string        `json:"name"`
	Status   CleanupStatus `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// CleanupReport records one cleanup pass.
type CleanupReport struct {
	Reason string              `json:"reason"`
	Steps  []CleanupStepResult `json:"steps"`
}

// Failed reports whether any step failed.
func (r CleanupReport) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == CleanupFailed {
			return true
		}
	}
	return false
}

// Cleanup runs reverse operations once per run.
//
// Steps run in the order given. A failing step is logged and the next step
// still runs; cleanup failures never replace the reason cleanup was started.
type Cleanup struct {
	steps  []CleanupStep
	logger *slog.Logger

	once   sync.Once
	report CleanupReport
	ran    atomic.Bool
}

// NewCleanup creates a controller for one run.
func NewCleanup(logger *slog.Logger, steps ...CleanupStep) *Cleanup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{steps: steps, logger: logger.With("component", "cleanup")}
}

// Run performs cleanup on the first call and returns the same report on
// every later call without repeating any step.
func (c *Cleanup) Run(ctx context.Context, rc *RunContext, reason string) CleanupReport {
	c.once.Do(func() {
		c.ran.Store(true)
		c.report = CleanupReport{Reason: reason}
		c.logger.Info("cleanup started", "reason", reason)
		for _, step := range c.steps {
			c.report.Steps = append(c.report.Steps, c.runStep(ctx, rc, step))
		}
		c.logger.Info("cleanup finished", "failed", c.report.Failed())
	})
	return c.report
}

// Ran reports whether Run has been invoked.
func (c *Cleanup) Ran() bool {
	return c.ran.Load()
}

func (c *Cleanup) runStep(ctx context.Context, rc *RunContext, step CleanupStep) (res CleanupStepResult) {
	res = CleanupStepResult{Name: step.Name}
	for _, key := range step.Requires {
		if !rc.Has(key) {
			c.logger.Info("cleanup step skipped", "step", step.Name, "missing", key)
			res.Status = CleanupSkipped
			return res
		}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Status = CleanupFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			c.logger.Error("cleanup step panicked", "step", step.Name, "panic", r)
		}
		res.Duration = time.Since(start)
	}()

	err := step.Run(ctx, rc)
	switch {
	case err == nil:
		res.Status = CleanupDone
		c.logger.Info("cleanup step done", "step", step.Name)
	case errors.Is(err, ErrNothingToClean):
		res.Status = CleanupSkipped
		c.logger.Info("cleanup step had nothing to do", "step", step.Name)
	default:
		res.Status = CleanupFailed
		res.Error = err.Error()
		c.logger.Error("cleanup step failed", "step", step.Name, "error", err)
	}
	return res
}
