package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the review API over HTTP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := newComponents(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer c.Close()

			c.Orchestrator.Start(ctx)
			defer c.Orchestrator.Stop()

			var metricsHandler http.Handler
			if c.Metrics != nil {
				metricsHandler = c.Metrics.Handler()
			}
			srv := server.New(a.cfg.Server, c.Orchestrator, metricsHandler, a.logger)

			a.logger.Info("Starting scalpel-review API",
				zap.String("version", Version),
				zap.String("address", a.cfg.Server.ListenAddress),
				zap.Strings("engines", c.Orchestrator.Engines()),
			)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides server.listen_address)")
	cobra.CheckErr(a.bindFlag(cmd, "server.listen_address", "listen"))
	return cmd
}
