package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/canary/internal/engine"
)

// MetricsFile is the node-exporter textfile written by MetricsWriter.
const MetricsFile = "canary.prom"

// MetricsWriter exports the run as a Prometheus textfile for the node
// exporter's textfile collector.
type MetricsWriter struct {
	Path    string
	Network string
	Stages  []engine.StageID
}

var _ engine.Reporter = (*MetricsWriter)(nil)

// Report implements engine.Reporter.
func (m *MetricsWriter) Report(ctx context.Context, out engine.RunOutcome, cleanup *engine.CleanupReport) error {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"network": m.Network}

	stageStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "canary_stage_status",
		Help:        "1 for the stage's current status, 0 for the others.",
		ConstLabels: labels,
	}, []string{"stage", "status"})
	stageDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "canary_stage_duration_seconds",
		Help:        "Wall-clock duration of each executed stage.",
		ConstLabels: labels,
	}, []string{"stage"})
	runPassed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "canary_run_passed",
		Help:        "1 if the last run passed.",
		ConstLabels: labels,
	})
	runFinished := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "canary_run_finished_timestamp_seconds",
		Help:        "Unix time the last run finished.",
		ConstLabels: labels,
	})
	cleanupFailed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "canary_cleanup_failed",
		Help:        "1 if the last run's cleanup left resources behind.",
		ConstLabels: labels,
	})
	reg.MustRegister(stageStatus, stageDuration, runPassed, runFinished, cleanupFailed)

	statuses := out.Statuses()
	all := []engine.Status{engine.StatusPassed, engine.StatusFailed, engine.StatusSkipped, engine.StatusNotRun}
	for _, id := range m.Stages {
		current, ok := statuses[id]
		if !ok {
			current = engine.StatusNotRun
		}
		for _, s := range all {
			v := 0.0
			if s == current {
				v = 1
			}
			stageStatus.WithLabelValues(string(id), string(s)).Set(v)
		}
	}
	for _, r := range out.Results {
		if r.Status == engine.StatusPassed || r.Status == engine.StatusFailed {
			stageDuration.WithLabelValues(string(r.StageID)).Set(r.Duration.Seconds())
		}
	}
	if out.Passed() {
		runPassed.Set(1)
	}
	runFinished.Set(float64(out.Started.Add(out.Duration).Unix()))
	if cleanup != nil && cleanup.Failed() {
		cleanupFailed.Set(1)
	}

	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.Path, reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
