package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/manifest"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the provenance manifest",
	}
	cmd.AddCommand(newManifestListCommand())
	cmd.AddCommand(newManifestVerifyCommand())
	return cmd
}

func newManifestListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded artifacts",
		Long: `List the latest provenance record of each artifact. With --all, every
record is listed in append order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			records, err := manifest.Load(s.cfg.Paths.Manifest)
			if err != nil {
				return err
			}
			if !all {
				records = manifest.Latest(records)
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), records)
			}

			tw := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ARTIFACT\tSOURCE\tVERSION\tCHECKSUM\tTIMESTAMP")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.Artifact, r.Source, orDash(r.Version), shortChecksum(r.Checksum), r.TimestampUTC)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list every record, not only the latest per artifact")
	return cmd
}

func newManifestVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute artifact checksums and report drift",
		Long: `Recompute the checksum of every recorded artifact and report those that
are missing or no longer match their latest record. Nothing is repaired and
the cache is not invalidated; rerun the affected stages with --no-cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.close()

			drifts, err := manifest.Verify(s.cfg.Paths.Manifest)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), drifts); err != nil {
					return err
				}
			} else if len(drifts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all artifacts match the manifest")
			} else {
				tw := newTabWriter(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ARTIFACT\tSTATUS\tRECORDED\tCURRENT")
				for _, d := range drifts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						d.Artifact, d.Status, shortChecksum(d.Recorded), shortChecksum(d.Current))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if len(drifts) > 0 {
				return engine.NewValidationError(fmt.Sprintf("%d artifacts drifted from the manifest", len(drifts)), nil).
					WithCode(engine.ErrCodeChecksumDrift).
					WithPath(s.cfg.Paths.Manifest)
			}
			return nil
		},
	}
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	if sum == "" {
		return "-"
	}
	return sum
}
