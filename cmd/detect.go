package cmd

import (
	"github.com/spf13/cobra"
)

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Reports where each engine executable resolves and whether it is allowed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newComponents(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()
			return writeJSON(cmd.OutOrStdout(), c.Orchestrator.Detect())
		},
	}
}
