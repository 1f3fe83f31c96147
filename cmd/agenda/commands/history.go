package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agendaterritorial/agenda/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		Long: `Show recent runs from the history database, newest first. With --run,
show the stage outcomes and download attempts of one run.`,
		Example: `  # Last 20 runs
  agenda history

  # Stages and downloads of one run
  agenda history --run 6f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			store, err := stores.Open(cmd.Context(), s.cfg.Paths.History)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID != "" {
				return showRun(cmd, store, runID)
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			tw := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintln(tw, "RUN\tSTARTED\tCOMMAND\tSTATUS\tSTAGES\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), describeRun(r),
					r.Status, r.StagesTotal, formatDuration(r.Duration))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show one run in detail")

	return cmd
}

func showRun(cmd *cobra.Command, store *stores.SQLiteStore, id string) error {
	ctx := cmd.Context()
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	stageRuns, err := store.ListStageRuns(ctx, id)
	if err != nil {
		return err
	}
	attempts, err := store.ListDownloadAttempts(ctx, id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
			"run":       run,
			"stages":    stageRuns,
			"downloads": attempts,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s) %s in %s\n", run.ID, describeRun(run), run.Status, formatDuration(run.Duration))
	if run.Error != nil {
		fmt.Fprintf(out, "error: %s\n", *run.Error)
	}

	fmt.Fprintln(out)
	tw := newTabWriter(out)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tERROR")
	for _, sr := range stageRuns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sr.Stage, sr.Status, formatDuration(sr.Duration), orDash(sr.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(attempts) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw = newTabWriter(out)
	fmt.Fprintln(tw, "STAGE\tURL\tSTATUS\tBYTES\tERROR")
	for _, a := range attempts {
		errText := a.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", a.Stage, a.URL, a.Status, a.Bytes, errText)
	}
	return tw.Flush()
}

func describeRun(r *stores.Run) string {
	switch {
	case r.Target != "":
		return r.Target
	case r.Group != "":
		return r.Group
	default:
		return "all"
	}
}
