package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned by ReadRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// ListRuns returns the most recent runs, newest first, without their stage
// results. network may be empty to list every network.
func (s *Store) ListRuns(ctx context.Context, network string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, network, profile, target, started_at, duration_ms, passed, truncated, failure, cleanup_reason, cleanup_failed
		FROM runs
		WHERE ? = '' OR network = ?
		ORDER BY started_at DESC, run_id ASC
		LIMIT ?
	`, network, network, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns one run with its stage results and cleanup steps.
func (s *Store) ReadRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, network, profile, target, started_at, duration_ms, passed, truncated, failure, cleanup_reason, cleanup_failed
		FROM runs
		WHERE run_id = ?
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, err
	}

	if r.Stages, err = s.readStages(ctx, runID); err != nil {
		return Run{}, err
	}
	if r.CleanupSteps, err = s.readCleanup(ctx, runID); err != nil {
		return Run{}, err
	}
	return r, nil
}

// StageHistory returns the latest results of one stage across runs, newest
// first.
func (s *Store) StageHistory(ctx context.Context, stageID string, limit int) ([]StageResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.seq, sr.stage_id, sr.status, sr.duration_ms, sr.error
		FROM stage_results sr
		JOIN runs r ON r.run_id = sr.run_id
		WHERE sr.stage_id = ?
		ORDER BY r.started_at DESC, r.run_id ASC
		LIMIT ?
	`, stageID, limit)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()
	return scanStages(rows)
}

func (s *Store) readStages(ctx context.Context, runID string) ([]StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage_id, status, duration_ms, error
		FROM stage_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()
	return scanStages(rows)
}

func (s *Store) readCleanup(ctx context.Context, runID string) ([]CleanupStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, error
		FROM cleanup_steps
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cleanup steps: %w", err)
	}
	defer rows.Close()

	steps := []CleanupStep{}
	for rows.Next() {
		var c CleanupStep
		if err := rows.Scan(&c.Name, &c.Status, &c.Error); err != nil {
			return nil, fmt.Errorf("scan cleanup step: %w", err)
		}
		steps = append(steps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cleanup steps: %w", err)
	}
	return steps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                                Run
		startedMs, durationMs            int64
		passed, truncated, cleanupFailed int
	)
	err := row.Scan(&r.RunID, &r.Network, &r.Profile, &r.Target, &startedMs, &durationMs,
		&passed, &truncated, &r.Failure, &r.CleanupReason, &cleanupFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.UnixMilli(startedMs).UTC()
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.Passed = passed == 1
	r.Truncated = truncated == 1
	r.CleanupFailed = cleanupFailed == 1
	return r, nil
}

func scanStages(rows *sql.Rows) ([]StageResult, error) {
	results := []StageResult{}
	for rows.Next() {
		var (
			sr         StageResult
			durationMs int64
		)
		if err := rows.Scan(&sr.Seq, &sr.StageID, &sr.Status, &durationMs, &sr.Error); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		sr.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return results, nil
}
