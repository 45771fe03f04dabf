package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/canary/internal/engine"
)

// File names written next to the per-stage badges.
const (
	SummaryFile = "summary.json"
	StatusFile  = "status.json"
)

// Status is the full-run document.
type Status struct {
	GeneratedAt time.Time                        `json:"generatedAt"`
	RunID       string                           `json:"runId"`
	Network     string                           `json:"network,omitempty"`
	Target      engine.StageID                   `json:"target"`
	Passed      bool                             `json:"passed"`
	Failure     string                           `json:"failure,omitempty"`
	Stages      map[engine.StageID]engine.Status `json:"stages"`
	Durations   map[engine.StageID]float64       `json:"durationsSeconds"`
	Cleanup     *engine.CleanupReport            `json:"cleanup,omitempty"`
}

// FileWriter writes one badge per stage plus summary.json and status.json
// into Dir.
//
// Stages lists every stage in pipeline order. A stage without a result gets a
// "not run" badge, so the set of files is always complete.
type FileWriter struct {
	Dir          string
	Stages       []engine.StageID
	Network      string
	Label        string
	CacheSeconds int
	Logger       *slog.Logger
	Now          func() time.Time
}

var _ engine.Reporter = (*FileWriter)(nil)

// Report implements engine.Reporter.
func (w *FileWriter) Report(ctx context.Context, out engine.RunOutcome, cleanup *engine.CleanupReport) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create badge dir: %w", err)
	}
	cache := w.CacheSeconds
	if cache <= 0 {
		cache = DefaultCacheSeconds
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	statuses := out.Statuses()
	durations := make(map[engine.StageID]float64, len(out.Results))
	for _, r := range out.Results {
		durations[r.StageID] = r.Duration.Seconds()
	}

	complete := make(map[engine.StageID]engine.Status, len(w.Stages))
	for _, id := range w.Stages {
		s, ok := statuses[id]
		if !ok {
			s = engine.StatusNotRun
		}
		complete[id] = s
		if err := writeJSON(filepath.Join(w.Dir, string(id)+".json"), StageBadge(id, s, cache)); err != nil {
			return err
		}
	}

	label := w.Label
	if label == "" {
		label = "canary"
	}
	if err := writeJSON(filepath.Join(w.Dir, SummaryFile), SummaryBadge(label, out, len(w.Stages), cache)); err != nil {
		return err
	}

	status := Status{
		GeneratedAt: now().UTC(),
		RunID:       out.RunID,
		Network:     w.Network,
		Target:      out.Target,
		Passed:      out.Passed(),
		Failure:     FailureLine(out),
		Stages:      complete,
		Durations:   durations,
		Cleanup:     cleanup,
	}
	if err := writeJSON(filepath.Join(w.Dir, StatusFile), status); err != nil {
		return err
	}
	if w.Logger != nil {
		w.Logger.Info("status files written", "dir", w.Dir, "stages", len(w.Stages))
	}
	return nil
}

// FailureLine is the human-readable reason a run failed, or "" if it passed.
func FailureLine(out engine.RunOutcome) string {
	if r, ok := out.Failed(); ok {
		return fmt.Sprintf("stage %s failed: %s", r.StageID, r.Error)
	}
	if out.Err != nil {
		return fmt.Sprintf("run failed: %v", out.Err)
	}
	return ""
}

// writeJSON writes v atomically: a reader never sees a half-written badge.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
