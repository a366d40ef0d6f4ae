package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/cmd/cache"
	"github.com/tphakala/imagewall/cmd/config"
	"github.com/tphakala/imagewall/cmd/gallery"
	"github.com/tphakala/imagewall/cmd/images"
	"github.com/tphakala/imagewall/cmd/serve"
	"github.com/tphakala/imagewall/cmd/version"
	"github.com/tphakala/imagewall/internal/app"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "imagewall",
		Short:         "Image gallery loader and cache for a note vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, ctx); err != nil {
		panic(err)
	}

	versionCmd := version.Command(ctx)
	configCmd := config.Command(ctx)

	rootCmd.AddCommand(
		gallery.Command(ctx),
		images.Command(ctx),
		cache.Command(ctx),
		serve.Command(ctx),
		configCmd,
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version never needs a config file
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return ctx.LoadSettings()
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *app.Context) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.ConfigFile, "config", "c", "", "Path to config.yaml (default: search the standard locations)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("vault", "", "Vault root directory")

	if err := ctx.Viper.BindPFlag("debug", flags.Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := ctx.Viper.BindPFlag("vault.root", flags.Lookup("vault")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
