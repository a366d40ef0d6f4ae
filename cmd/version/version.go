package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/internal/app"
)

// Command creates a new cobra.Command to print version information.
func Command(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imagewall %s (built %s)\n", ctx.Build.GetVersion(), ctx.Build.GetBuildDate())
		},
	}
}
