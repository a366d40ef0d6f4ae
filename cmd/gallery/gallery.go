package gallery

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/internal/app"
	"github.com/tphakala/imagewall/internal/logger"
)

// Command creates a new cobra.Command that loads every image of a note
// through the gallery and prints the outcome per image.
func Command(ctx *app.Context) *cobra.Command {
	var (
		visible  int
		format   string
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "gallery [note]",
		Short: "Load the images of a note",
		Long: "Loads every image the note references through the fallback chain, " +
			"caching what it can, and prints one line per image.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			a, err := ctx.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.Log.Warn("close failed", logger.Error(err))
				}
			}()

			note := args[0]
			paths, err := a.NoteImages(cmd.Context(), note)
			if err != nil {
				return err
			}
			sess, err := a.OpenGallery(cmd.Context(), note, paths)
			if err != nil {
				return err
			}
			defer sess.Close()

			if progress {
				sess.OnProgress(func(done, total int) {
					fmt.Fprintf(os.Stderr, "\r%d/%d images", done, total)
					if done == total {
						fmt.Fprintln(os.Stderr)
					}
				})
			}
			sess.EnqueueAll(visible)
			if err := sess.Wait(cmd.Context()); err != nil {
				return err
			}

			reports := app.Report(sess.Slots())
			return Print(cmd.OutOrStdout(), format, reports)
		},
	}

	cmd.Flags().IntVar(&visible, "visible", 12, "Number of leading images queued at high priority")
	cmd.Flags().StringVarP(&format, "format", "f", FormatTable, "Output format: table, yaml, json")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print load progress to stderr")

	return cmd
}
