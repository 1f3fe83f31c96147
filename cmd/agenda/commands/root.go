package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	parallel   int
	noCache    bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agenda",
		Short: "agenda - subnational economic indicator pipeline",
		Long: `agenda builds district-level economic indicators for Peru from raw
administrative sources.

Every stage reads upstream artifacts, writes its own under the configured
data tree, and records provenance in the manifest. Stages are grouped as:
  - ingest: materialize raw sources (local paths or downloads)
  - build:  clean sources and derive indicators and the analytic panel
  - model:  concentration and contribution models
  - policy: vulnerability index and transfer scenarios
  - render: figure data
  - paper:  markdown documents and the variable dictionary`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().IntVar(&parallel, "parallel", 0, "stages run at once within a DAG level (overrides execution.parallel)")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "rebuild stages even when their target exists")

	rootCmd.AddCommand(newValidateCommand())
	for _, g := range stageGroups {
		rootCmd.AddCommand(newGroupCommand(g))
	}
	rootCmd.AddCommand(newPaperCommand())
	rootCmd.AddCommand(newAllCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newManifestCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
