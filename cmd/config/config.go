package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/internal/app"
	"github.com/tphakala/imagewall/internal/conf"
)

// Command creates the config command group.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := conf.Dump(ctx.Settings)
			if err != nil {
				return err
			}
			if used := ctx.Viper.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(conf.DefaultConfigYAML())
			return err
		},
	})

	return cmd
}
