package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/fsutil"
	"github.com/agendaterritorial/agenda/pkg/stages"
)

func newGraphCommand() *cobra.Command {
	var (
		group   string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the stage graph as DOT",
		Long: `Print the execution graph of the enabled stages in Graphviz DOT
format. Disabled stages, and the reason they are disabled, are listed on
stderr.`,
		Example: `  # Render the full graph
  agenda graph | dot -Tsvg > pipeline.svg

  # Only the build group, written to a file
  agenda graph --group build --out build.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			reg := engine.NewRegistry()
			if err := stages.Register(reg, stages.Deps{Config: s.cfg}); err != nil {
				return err
			}
			executor, err := engine.NewExecutor(engine.ExecutorConfig{
				Registry: reg,
				Gate:     s.cfg.Gate(),
				Logger:   s.tel.Logger,
			})
			if err != nil {
				return err
			}

			inactive, err := executor.Inactive()
			if err != nil {
				return err
			}
			graph, err := executor.Plan(group)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(inactive))
			for name := range inactive {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.ErrOrStderr(), "inactive: %s (%s)\n", name, inactive[name])
			}

			dot := graph.ToDOT()
			if outFile == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			return fsutil.WriteFileAtomic(outFile, []byte(dot), 0o644)
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "limit the graph to one stage group")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write DOT to a file instead of stdout")

	return cmd
}
