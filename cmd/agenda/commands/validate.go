package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file and the current manifest.

This command checks:
  - YAML syntax and unknown keys
  - Field constraints (mode, years, index definition, parallelism)
  - Flag rule expressions
  - That the pipeline runs in real mode and the manifest holds no demo or
    synthetic artifacts`,
		Example: `  # Validate ./config.yaml
  agenda validate-config

  # Validate another file
  agenda validate-config -c configs/peru.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.close(); err == nil {
					err = cerr
				}
			}()

			if err := s.validate(cmd.Context()); err != nil {
				s.tel.Logger.WithError(err).Error("configuration rejected")
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid\n", s.cfg.Path())
			return nil
		},
	}
	return cmd
}
