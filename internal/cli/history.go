package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/canary/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	DB      string
	Network string
	Stage   string
	Limit   int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show runs recorded in the history database.

Without arguments, lists the most recent runs. With a run ID, shows that
run's stage results and cleanup steps. With --stage, shows the recent
results of one stage across runs.

Example:
  canary history --network testnet --limit 5
  canary history 01927d0e-5b1c-7cc2-9a1f-3c1b2f7e8a90
  canary history --stage upload`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "history database (default: output.history_db from config)")
	cmd.Flags().StringVar(&opts.Network, "network", "", "only runs against this network")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "show results of one stage across runs")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of entries")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, args []string) error {
	f := opts.formatter(cmd)

	path := opts.DB
	if path == "" {
		cfg, err := opts.loadConfig(f)
		if err != nil {
			return err
		}
		path = cfg.Output.HistoryDB
	}
	if path == "" {
		return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "no history database configured", nil)
	}

	st, err := store.Open(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open history", err)
	}
	defer st.Close()

	ctx := cmd.Context()

	switch {
	case len(args) == 1:
		run, err := st.ReadRun(ctx, args[0])
		if errors.Is(err, store.ErrRunNotFound) {
			return f.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("no run %s", args[0]), err)
		}
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to read run", err)
		}
		return f.Success(run, formatRunDetail(run))

	case opts.Stage != "":
		results, err := st.StageHistory(ctx, opts.Stage, opts.Limit)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to read stage history", err)
		}
		var b strings.Builder
		if len(results) == 0 {
			fmt.Fprintf(&b, "no results for stage %s", opts.Stage)
		}
		for _, r := range results {
			fmt.Fprintf(&b, "%-8s %8s  %s\n", r.Status, r.Duration.Round(time.Millisecond), r.Error)
		}
		return f.Success(results, strings.TrimRight(b.String(), " \n"))

	default:
		runs, err := st.ListRuns(ctx, opts.Network, opts.Limit)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to list runs", err)
		}
		return f.Success(runs, formatRunList(runs))
	}
}

func runVerdict(r store.Run) string {
	if r.Passed {
		return "PASS"
	}
	return "FAIL"
}

func formatRunList(runs []store.Run) string {
	if len(runs) == 0 {
		return "no runs recorded"
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s  %s  %-8s %-6s %-4s %s",
			r.StartedAt.Format(time.RFC3339), r.RunID, r.Network, r.Profile, runVerdict(r), r.Duration.Round(time.Second))
		if r.Failure != "" {
			b.WriteString("  " + r.Failure)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRunDetail(r store.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s  %s  %s profile  target %s\n", r.RunID, r.Network, r.Profile, r.Target)
	fmt.Fprintf(&b, "started %s, took %s\n", r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
	for _, s := range r.Stages {
		line := fmt.Sprintf("  %-18s %-8s", s.StageID, s.Status)
		if s.Error != "" {
			line += "  " + s.Error
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	if r.CleanupReason != "" {
		fmt.Fprintf(&b, "cleanup: %s\n", r.CleanupReason)
		for _, c := range r.CleanupSteps {
			line := fmt.Sprintf("  %-18s %s", c.Name, c.Status)
			if c.Error != "" {
				line += "  " + c.Error
			}
			b.WriteString(line + "\n")
		}
	}
	b.WriteString(runVerdict(r))
	if r.Failure != "" {
		b.WriteString(": " + r.Failure)
	}
	return b.String()
}
