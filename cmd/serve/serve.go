package serve

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/internal/api"
	"github.com/tphakala/imagewall/internal/app"
	"github.com/tphakala/imagewall/internal/conf"
	"github.com/tphakala/imagewall/internal/logger"
)

// Command creates a new cobra.Command that runs the HTTP API.
func Command(ctx *app.Context) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gallery API",
		Long: "Starts the HTTP API the note editor talks to. Cache settings are " +
			"reloaded when the config file changes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := api.ConfigFromSettings(a.Settings())
			if listen != "" {
				cfg.Listen = listen
			}
			server, err := api.New(a, api.WithConfig(cfg), api.WithBuildInfo(ctx.Build))
			if err != nil {
				return err
			}

			log := a.Log.Module("config")
			conf.Watch(ctx.Viper, log, func(s *conf.Settings) {
				if s.Cache != a.Settings().Cache {
					a.ApplyCachePolicy(cmd.Context(), s.Cache)
				}
				if s.Vault.Root != a.Settings().Vault.Root || s.Server.Listen != a.Settings().Server.Listen {
					log.Warn("vault and listen changes take effect after a restart")
				}
			})

			a.Log.Info("imagewall starting",
				logger.String("version", ctx.Build.GetVersion()),
				logger.String("build_date", ctx.Build.GetBuildDate()),
				logger.String("listen", cfg.Listen))
			return server.StartWithGracefulShutdown(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default: server.listen)")
	return cmd
}
