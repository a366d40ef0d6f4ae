package images

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/imagewall/internal/app"
)

// Command creates a new cobra.Command listing the image references of a note.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images [note]",
		Short: "List the images a note references",
		Long:  "Prints the embedded and linked images of a note, local paths first, without loading them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			refs, err := a.NoteImages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), ref)
			}
			return nil
		},
	}

	return cmd
}
