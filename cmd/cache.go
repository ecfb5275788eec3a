package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspects and maintains the result cache",
	}

	// withComponents opens the cache for the duration of fn.
	withComponents := func(cmd *cobra.Command, fn func(ctx context.Context, c *components) (any, error)) error {
		c, err := newComponents(cmd.Context(), a.cfg, a.logger)
		if err != nil {
			return err
		}
		defer c.Close()
		out, err := fn(cmd.Context(), c)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints entry counts per source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) (any, error) {
				return c.Orchestrator.CacheStats(ctx)
			})
		},
	}

	var source string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Removes every entry, or only one source's with --source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) (any, error) {
				n, err := c.Orchestrator.ClearCache(ctx, source)
				return map[string]any{"removed": n, "source": source}, err
			})
		},
	}
	clearCmd.Flags().StringVar(&source, "source", "", `engine name or "combined"`)

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Removes a single entry by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) (any, error) {
				removed, err := c.Orchestrator.InvalidateKey(ctx, args[0])
				return map[string]any{"key": args[0], "removed": removed}, err
			})
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Removes expired entries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) (any, error) {
				n, err := c.Orchestrator.SweepCache(ctx)
				return map[string]any{"removed": n}, err
			})
		},
	}

	cacheCmd.AddCommand(statsCmd, clearCmd, invalidateCmd, sweepCmd)
	return cacheCmd
}
