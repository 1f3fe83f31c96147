package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agendaterritorial/agenda/pkg/engine"
)

type stageGroup struct {
	name  string
	short string
	long  string
}

var stageGroups = []stageGroup{
	{
		name:  "ingest",
		short: "Materialize raw sources",
		long: `Resolve every configured source into data/raw/<dataset>/.

A source is a local path (copied unless it is already under the raw
directory) or a URL with optional fallbacks tried in order. Sources that are
not configured are skipped in a group run and fail when targeted by name.`,
	},
	{
		name:  "build",
		short: "Clean sources and build indicators and the analytic panel",
		long: `Clean raw sources into staging tables, derive the geographic
dimension and build processed indicators and the analytic panel.

A targeted build never runs upstream stages; missing inputs fail the run
with the path that was expected.`,
	},
	{
		name:  "model",
		short: "Run concentration and contribution models",
	},
	{
		name:  "policy",
		short: "Build the vulnerability index and transfer scenarios",
	},
	{
		name:  "render",
		short: "Write figure data",
	},
}

func newGroupCommand(g stageGroup) *cobra.Command {
	cmd := &cobra.Command{
		Use:   g.name + " [target]",
		Short: g.short,
		Long:  g.long,
		Example: fmt.Sprintf(`  # Run every enabled %[1]s stage
  agenda %[1]s

  # Run one stage without its upstream stages
  agenda %[1]s <target> --no-cache`, g.name),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) > 0 {
				target = args[0]
			}
			return withPipeline(cmd.Context(), func(s *session) error {
				summary, err := s.executor.RunGroup(cmd.Context(), g.name, target)
				printSummary(cmd, summary)
				return err
			})
		},
	}
	return cmd
}

func newPaperCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paper",
		Short: "Compile the paper documents",
		Long: `Render the paper, the methodological and data appendices and the
variable dictionary into the distribution directory. Requires the analytic
panel from a previous build.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(s *session) error {
				summary, err := s.executor.RunGroup(cmd.Context(), "paper", "compile")
				printSummary(cmd, summary)
				return err
			})
		},
	}
}

func newAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the full pipeline",
		Long: `Run every enabled stage in dependency order. Stages whose flag is off,
or that depend on a disabled stage, are left out of the run.`,
		Example: `  # Full run
  agenda all

  # Full rebuild with four stages at a time
  agenda all --no-cache --parallel 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(s *session) error {
				summary, err := s.executor.Run(cmd.Context(), "")
				printSummary(cmd, summary)
				return err
			})
		},
	}
}

// printSummary writes one line per stage and the totals. Nothing is printed
// when the run never started.
func printSummary(cmd *cobra.Command, summary *engine.RunSummary) {
	if summary == nil {
		return
	}
	if jsonOutput {
		_ = writeJSON(cmd.OutOrStdout(), summary)
		return
	}

	tw := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tARTIFACTS")
	for _, r := range summary.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Stage, r.Status, formatDuration(r.Duration), len(r.Artifacts))
	}
	_ = tw.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s %s: %d succeeded, %d cached, %d skipped, %d failed\n",
		summary.RunID, summary.Status,
		summary.Count(engine.StageStatusSucceeded),
		summary.Count(engine.StageStatusCached),
		summary.Count(engine.StageStatusSkipped),
		summary.Count(engine.StageStatusFailed),
	)
}
