package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/chain/rpc"
	"github.com/roach88/canary/internal/config"
	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/lock"
	"github.com/roach88/canary/internal/probe"
	"github.com/roach88/canary/internal/report"
	"github.com/roach88/canary/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Network   string
	Profile   string
	Target    string
	BadgeDir  string
	NoHistory bool

	// DialChain allows overriding the chain connection (for testing).
	// If nil, defaults to JSON-RPC over WebSocket.
	DialChain func(ctx context.Context, n config.Network, logger *slog.Logger) (chain.Client, error)
}

// RunSummary is the JSON payload of a finished run.
type RunSummary struct {
	RunID    string                `json:"run_id"`
	Network  string                `json:"network"`
	Profile  string                `json:"profile"`
	Target   engine.StageID        `json:"target"`
	Passed   bool                  `json:"passed"`
	Failure  string                `json:"failure,omitempty"`
	Stages   []engine.StageResult  `json:"stages"`
	Cleanup  *engine.CleanupReport `json:"cleanup,omitempty"`
	BadgeDir string                `json:"badge_dir"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the canary pipeline once",
		Long: `Run every stage in order, or stop at a checkpoint with --until.

Stages after the stop point are reported as skipped. Whatever happens, the
run cleans up what it created and writes one badge per stage.

Exit status is 0 when every executed stage passed, 1 otherwise, and 2 when
the run could not start.

Example:
  canary run --network testnet
  canary run --profile heavy --until upload`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanary(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Network, "network", "", "network to probe (overrides config)")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "light or heavy (overrides config)")
	cmd.Flags().StringVar(&opts.Target, "until", engine.FullTarget, "last stage to run (checkpoint)")
	cmd.Flags().StringVar(&opts.BadgeDir, "badge-dir", "", "directory for badge files (overrides config)")
	cmd.Flags().BoolVar(&opts.NoHistory, "no-history", false, "do not record the run in the history database")

	return cmd
}

func runCanary(opts *RunOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger := opts.newLogger(cmd.ErrOrStderr())

	cfg, err := opts.loadConfig(f)
	if err != nil {
		return err
	}
	if opts.Network != "" {
		cfg.Network = opts.Network
	}
	if opts.Profile != "" {
		cfg.Profile = opts.Profile
	}
	if opts.BadgeDir != "" {
		cfg.Output.BadgeDir = opts.BadgeDir
	}
	if errs := cfg.Check(true); len(errs) > 0 {
		return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "invalid configuration", errors.Join(errs...))
	}
	settings, _ := cfg.Settings()
	network, _ := cfg.Target()

	signer, err := chain.NewSignerFromSeed(cfg.SignerSeed)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "invalid signer seed", err)
	}

	dial := opts.DialChain
	if dial == nil {
		dial = dialRPC
	}
	p, err := probe.New(settings, probe.WithChainDialer(func(ctx context.Context) (chain.Client, error) {
		return dial(ctx, network, logger)
	}))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "invalid probe settings", err)
	}
	eng, err := engine.New(p.Stages(), engine.WithLogger(logger))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to build pipeline", err)
	}
	target, err := eng.Resolve(opts.Target)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUnknownStage, "unknown checkpoint", err)
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Redis.Addr != "" {
		release, err := acquireRunLock(ctx, cfg, signer.Account(), logger)
		if errors.Is(err, lock.ErrHeld) {
			return f.Fail(ExitCommandError, ErrCodeLockHeld, "another run holds the run lock", err)
		}
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to acquire run lock", err)
		}
		defer release()
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to generate run id", err)
	}
	rc := engine.NewRunContext(runID.String(), logger)
	rc.Network = cfg.Network
	rc.Profile = settings.Profile
	rc.Signer = signer
	rc.Backend, err = backend.New(network.BackendURL,
		backend.WithSession(rc.SessionToken),
		backend.WithRateLimit(network.RateLimit, network.Burst),
		backend.WithLogger(logger))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "invalid backend url", err)
	}
	defer func() {
		if rc.Chain != nil {
			if err := rc.Chain.Close(); err != nil {
				logger.Warn("error closing chain connection", "error", err)
			}
		}
	}()

	reporters, closeReporters, err := buildReporters(ctx, cfg, eng, opts.NoHistory, settings.Profile, logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to set up reporting", err)
	}
	defer closeReporters()

	var cleanupReport *engine.CleanupReport
	reporters = append(reporters, engine.ReporterFunc(func(_ context.Context, _ engine.RunOutcome, c *engine.CleanupReport) error {
		cleanupReport = c
		return nil
	}))

	sup := &engine.Supervisor{
		Engine:    eng,
		Cleanup:   engine.NewCleanup(logger, p.CleanupSteps()...),
		Reporters: reporters,
		Logger:    logger,
	}
	logger.Info("run started", "run_id", rc.RunID, "network", cfg.Network, "profile", settings.Profile, "target", target)
	out := sup.Run(ctx, rc, target)

	summary := RunSummary{
		RunID:    out.RunID,
		Network:  cfg.Network,
		Profile:  settings.Profile,
		Target:   out.Target,
		Passed:   out.Passed(),
		Failure:  report.FailureLine(out),
		Stages:   out.Results,
		Cleanup:  cleanupReport,
		BadgeDir: cfg.Output.BadgeDir,
	}
	if err := f.Success(summary, formatRun(summary)); err != nil {
		return err
	}
	if code := out.ExitCode(); code != ExitSuccess {
		return NewExitError(code, summary.Failure)
	}
	return nil
}

func dialRPC(ctx context.Context, n config.Network, logger *slog.Logger) (chain.Client, error) {
	return rpc.Dial(ctx, n.ChainURL, rpc.WithMethods(n.RPCMethods), rpc.WithLogger(logger))
}

func acquireRunLock(ctx context.Context, cfg config.Config, account string, logger *slog.Logger) (func(), error) {
	client := lock.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	l, err := lock.Acquire(ctx, client, lock.Key(cfg.Network, account), cfg.Redis.LockTTL, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			logger.Warn("failed to release run lock", "key", l.Key(), "error", err)
		}
		client.Close()
	}, nil
}

// buildReporters wires the outputs of a run in the order they must run:
// local files first, then everything that reads them.
func buildReporters(ctx context.Context, cfg config.Config, eng *engine.Engine, noHistory bool, profile string, logger *slog.Logger) ([]engine.Reporter, func(), error) {
	var ids []engine.StageID
	for _, s := range eng.Stages() {
		ids = append(ids, s.ID)
	}

	reporters := []engine.Reporter{
		&report.FileWriter{
			Dir:          cfg.Output.BadgeDir,
			Stages:       ids,
			Network:      cfg.Network,
			Label:        cfg.Output.Label,
			CacheSeconds: cfg.Output.CacheSeconds,
			Logger:       logger,
		},
	}
	if cfg.Output.MetricsPath != "" {
		reporters = append(reporters, &report.MetricsWriter{Path: cfg.Output.MetricsPath, Network: cfg.Network, Stages: ids})
	}

	closer := func() {}
	if cfg.Output.HistoryDB != "" && !noHistory {
		if dir := filepath.Dir(cfg.Output.HistoryDB); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create history dir: %w", err)
			}
		}
		st, err := store.Open(cfg.Output.HistoryDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open history: %w", err)
		}
		closer = func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing history database", "error", err)
			}
		}
		reporters = append(reporters, &store.Recorder{Store: st, Network: cfg.Network, Profile: profile})
	}

	if cfg.S3.Bucket != "" {
		pub, err := report.NewS3Publisher(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Region, cfg.Output.BadgeDir, logger)
		if err != nil {
			closer()
			return nil, nil, fmt.Errorf("configure s3 publishing: %w", err)
		}
		reporters = append(reporters, pub)
	}
	return reporters, closer, nil
}

func formatRun(s RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s, %s profile)\n", s.RunID, s.Network, s.Profile)
	for _, r := range s.Stages {
		line := fmt.Sprintf("  %-18s %-8s", r.StageID, r.Status)
		if r.Status == engine.StatusPassed || r.Status == engine.StatusFailed {
			line += fmt.Sprintf(" %s", r.Duration.Round(time.Millisecond))
		}
		if r.Error != "" {
			line += "  " + r.Error
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	if s.Cleanup != nil {
		fmt.Fprintf(&b, "cleanup: %s\n", s.Cleanup.Reason)
		for _, step := range s.Cleanup.Steps {
			line := fmt.Sprintf("  %-18s %s", step.Name, step.Status)
			if step.Error != "" {
				line += "  " + step.Error
			}
			b.WriteString(line + "\n")
		}
	}
	if s.Passed {
		b.WriteString("PASS")
	} else {
		b.WriteString("FAIL: " + s.Failure)
	}
	return b.String()
}
