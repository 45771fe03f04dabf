package harness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/probe"
	"github.com/roach88/canary/internal/testutil"
	"github.com/roach88/canary/internal/wait"
)

// RunTimeout bounds one scenario in wall-clock time.
const RunTimeout = 30 * time.Second

// Run executes a scenario against a fresh fake network and evaluates its
// assertions. An error means the scenario could not be executed at all;
// failed assertions are reported in Result.Errors.
func Run(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()

	settings, err := Settings(s)
	if err != nil {
		return nil, err
	}

	env := testutil.NewEnv(t)
	inject(env, s.Faults)

	// A fixed seed makes payloads, fingerprints and file keys reproducible.
	var seed [32]byte
	copy(seed[:], s.Name)
	p, err := probe.New(settings,
		probe.WithClock(testutil.NewFakeClock()),
		probe.WithRand(rand.NewChaCha8(seed)))
	if err != nil {
		return nil, fmt.Errorf("build probe: %w", err)
	}

	logger := testutil.DiscardLogger()
	eng, err := engine.New(p.Stages(), engine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	target, err := eng.Resolve(s.Target)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	sup := &engine.Supervisor{
		Engine:  eng,
		Cleanup: engine.NewCleanup(logger, p.CleanupSteps()...),
		Reporters: []engine.Reporter{engine.ReporterFunc(func(_ context.Context, _ engine.RunOutcome, c *engine.CleanupReport) error {
			result.Cleanup = c
			return nil
		})},
		Logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	defer cancel()
	result.Outcome = sup.Run(ctx, env.RC, target)

	for _, r := range result.Outcome.Results {
		result.AddStageTrace(r)
	}
	if result.Cleanup != nil {
		for _, step := range result.Cleanup.Steps {
			result.AddCleanupTrace(step)
		}
	}
	for _, call := range env.Chain.Calls() {
		result.AddChainTrace(call)
	}

	for _, a := range s.Assertions {
		if err := evaluate(result, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

// Settings returns the probe settings a scenario runs with: the profile's
// settings with short waits, since the fake network answers immediately.
func Settings(s *Scenario) (probe.Settings, error) {
	settings, err := probe.SettingsFor(s.Profile)
	if err != nil {
		return probe.Settings{}, err
	}
	settings.PayloadSize = 256
	settings.BackendPoll = wait.PollSpec{Retries: 50, Delay: 10 * time.Millisecond}
	settings.StatePoll = wait.PollSpec{Retries: 50, Delay: 10 * time.Millisecond}
	settings.Finalization = wait.DeadlineSpec{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond}
	settings.EventTimeout = 5 * time.Second
	settings.ReceiptTimeout = 5 * time.Second
	if s.Items > 0 {
		settings.Items = s.Items
	}
	if s.Width > 0 {
		settings.Width = s.Width
	}
	return settings, settings.Validate()
}

func inject(env *testutil.Env, f Faults) {
	if len(f.Health) > 0 {
		h := backend.Health{Status: "healthy", Version: "fake", Components: make(map[string]backend.ComponentHealth)}
		for name, status := range f.Health {
			h.Components[name] = backend.ComponentHealth{Status: status}
		}
		env.Backend.SetHealth(h)
	}
	if u := f.Upload; u != nil {
		env.Backend.SetUploadHook(func(_ string, attempt int) (int, string) {
			if u.Attempts > 0 && attempt > u.Attempts {
				return 0, ""
			}
			return u.Status, u.Message
		})
	}
	for _, c := range f.Chain {
		env.Chain.FailNext(c.Call, c.Reasons...)
	}
}
