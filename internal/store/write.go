package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/canary/internal/engine"
)

// Run is one finished canary run as stored.
type Run struct {
	RunID         string        `json:"run_id"`
	Network       string        `json:"network"`
	Profile       string        `json:"profile"`
	Target        string        `json:"target"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Passed        bool          `json:"passed"`
	Truncated     bool          `json:"truncated"`
	Failure       string        `json:"failure,omitempty"`
	CleanupReason string        `json:"cleanup_reason,omitempty"`
	CleanupFailed bool          `json:"cleanup_failed"`
	Stages        []StageResult `json:"stages,omitempty"`
	CleanupSteps  []CleanupStep `json:"cleanup_steps,omitempty"`
}

// StageResult is one stored stage outcome.
type StageResult struct {
	Seq      int64         `json:"seq"`
	StageID  string        `json:"stage"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// CleanupStep is one stored cleanup step outcome.
type CleanupStep struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRun converts a run outcome into its stored form.
func NewRun(network, profile string, out engine.RunOutcome, cleanup *engine.CleanupReport) Run {
	r := Run{
		RunID:     out.RunID,
		Network:   network,
		Profile:   profile,
		Target:    string(out.Target),
		StartedAt: out.Started,
		Duration:  out.Duration,
		Passed:    out.Passed(),
		Truncated: out.Truncated,
	}
	if failed, ok := out.Failed(); ok {
		r.Failure = fmt.Sprintf("stage %s failed: %s", failed.StageID, failed.Error)
	} else if out.Err != nil {
		r.Failure = out.Err.Error()
	}
	for _, sr := range out.Results {
		r.Stages = append(r.Stages, StageResult{
			Seq:      sr.Seq,
			StageID:  string(sr.StageID),
			Status:   string(sr.Status),
			Duration: sr.Duration,
			Error:    sr.Error,
		})
	}
	if cleanup != nil {
		r.CleanupReason = cleanup.Reason
		r.CleanupFailed = cleanup.Failed()
		for _, step := range cleanup.Steps {
			r.CleanupSteps = append(r.CleanupSteps, CleanupStep{
				Name:   step.Name,
				Status: string(step.Status),
				Error:  step.Error,
			})
		}
	}
	return r
}

// WriteRun inserts a run with its stage results and cleanup steps in one
// transaction. Uses ON CONFLICT DO NOTHING for idempotency - writing the same
// run twice is silently ignored.
func (s *Store) WriteRun(ctx context.Context, r Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, network, profile, target, started_at, duration_ms, passed, truncated, failure, cleanup_reason, cleanup_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		r.RunID,
		r.Network,
		r.Profile,
		r.Target,
		r.StartedAt.UnixMilli(),
		r.Duration.Milliseconds(),
		boolToInt(r.Passed),
		boolToInt(r.Truncated),
		r.Failure,
		r.CleanupReason,
		boolToInt(r.CleanupFailed),
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	if err := writeStages(ctx, tx, r); err != nil {
		return err
	}
	if err := writeCleanup(ctx, tx, r); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}

func writeStages(ctx context.Context, tx *sql.Tx, r Run) error {
	for _, st := range r.Stages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stage_results (run_id, seq, stage_id, status, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.RunID, st.Seq, st.StageID, st.Status, st.Duration.Milliseconds(), st.Error)
		if err != nil {
			return fmt.Errorf("write stage result %s: %w", st.StageID, err)
		}
	}
	return nil
}

func writeCleanup(ctx context.Context, tx *sql.Tx, r Run) error {
	for i, step := range r.CleanupSteps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cleanup_steps (run_id, position, name, status, error)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.RunID, i, step.Name, step.Status, step.Error)
		if err != nil {
			return fmt.Errorf("write cleanup step %s: %w", step.Name, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Recorder is an engine.Reporter that appends each run to the store.
type Recorder struct {
	Store   *Store
	Network string
	Profile string
}

var _ engine.Reporter = (*Recorder)(nil)

// Report implements engine.Reporter.
func (r *Recorder) Report(ctx context.Context, out engine.RunOutcome, cleanup *engine.CleanupReport) error {
	return r.Store.WriteRun(ctx, NewRun(r.Network, r.Profile, out, cleanup))
}
