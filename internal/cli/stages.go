package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/probe"
)

// StageInfo describes one stage in `canary stages` output.
type StageInfo struct {
	Seq         int            `json:"seq"`
	ID          engine.StageID `json:"id"`
	Description string         `json:"description"`
}

// NewStagesCommand creates the stages command.
func NewStagesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the pipeline stages in execution order",
		Long: `List the pipeline stages in execution order.

Any stage ID is a valid checkpoint for 'canary run --until'.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			p, err := probe.New(probe.LightSettings())
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "failed to build pipeline", err)
			}
			stages := p.Stages()
			infos := make([]StageInfo, len(stages))
			var b strings.Builder
			for i, s := range stages {
				infos[i] = StageInfo{Seq: i + 1, ID: s.ID, Description: s.Description}
				fmt.Fprintf(&b, "%2d  %-18s %s\n", i+1, s.ID, s.Description)
			}
			return f.Success(infos, strings.TrimRight(b.String(), "\n"))
		},
	}
}
