package cache

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/internal/app"
)

// Command creates the cache command group.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the image cache",
	}

	cmd.AddCommand(
		sizeCommand(ctx),
		listCommand(ctx),
		clearCommand(ctx),
		pruneCommand(ctx),
		verifyCommand(ctx),
	)
	return cmd
}

// withApp opens the app for the duration of fn.
func withApp(ctx *app.Context, cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := ctx.Open(cmd.Context())
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

func sizeCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print cache usage against its budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				c := a.Cache
				state := "enabled"
				if !c.Enabled() {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, %s of %s (%s, max age %s)\n",
					a.Settings().CacheDir(), c.Len(), formatBytes(c.Size()), formatBytes(c.MaxSize()),
					state, formatDays(c.MaxAge()))
				return nil
			})
		},
	}
}

func listCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached images, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SOURCE\tSIZE\tTYPE\tHITS\tCREATED\tLAST USED")
				for _, e := range a.Cache.Entries() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						e.SourceID, formatBytes(e.Size), e.MIMEType, e.AccessCount,
						e.CreatedAt.Local().Format(time.DateTime), e.LastAccessed.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func clearCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				n := a.Cache.Len()
				a.Cache.Clear(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached images\n", n)
				return nil
			})
		},
	}
}

func pruneCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Evict expired entries and shrink the cache to its budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				res := a.Cache.Evict(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d, evicted %d, freed %s\n",
					res.Expired, res.Evicted, formatBytes(res.FreedBytes))
				return nil
			})
		},
	}
}

func verifyCommand(ctx *app.Context) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every cached blob and drop broken entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ctx, cmd, func(a *app.App) error {
				report, err := a.Cache.Verify(cmd.Context(), workers)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range report.Missing {
					fmt.Fprintf(out, "missing:  %s\n", id)
				}
				for _, id := range report.Mismatch {
					fmt.Fprintf(out, "mismatch: %s\n", id)
				}
				fmt.Fprintf(out, "Checked %d entries, dropped %d\n", report.Checked, report.Dropped)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Number of parallel checks")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.1f KB", float64(n)/unit)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(unit*unit))
	}
}

func formatDays(d time.Duration) string {
	return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
}
