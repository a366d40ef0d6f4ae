package gallery

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/imagewall/internal/app"
)

// Output formats.
const (
	FormatTable = "table"
	FormatYAML  = "yaml"
	FormatJSON  = "json"
)

func checkFormat(format string) error {
	switch format {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	}
	return fmt.Errorf("unsupported output format %q", format)
}

type printout struct {
	Summary app.Summary      `json:"summary" yaml:"summary"`
	Images  []app.SlotReport `json:"images" yaml:"images"`
}

// Print writes reports in the given format. Sources are shortened in the
// table; data URIs never make it into any output.
func Print(w io.Writer, format string, reports []app.SlotReport) error {
	for i := range reports {
		reports[i].Src = displaySrc(reports[i].Src)
	}
	out := printout{Summary: app.Summarize(reports), Images: reports}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tSTATUS\tSTRATEGY\tCACHED\tSIZE\tROWS\tTRIES\tTIME")
	for _, r := range reports {
		size := "-"
		if r.Width > 0 {
			size = fmt.Sprintf("%dx%d", r.Width, r.Height)
		}
		strategy := r.Strategy
		if strategy == "" {
			strategy = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\t%d\t%dms\n",
			shorten(r.Path, 60), r.Status, strategy, r.Cached, size, r.RowSpan, r.Attempts, r.ElapsedMs)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range reports {
		if r.Error != "" {
			fmt.Fprintf(w, "\n%s: %s", shorten(r.Path, 60), r.Error)
		}
	}
	s := out.Summary
	_, err := fmt.Fprintf(w, "\n%d images: %d loaded, %d failed, %d from cache\n", s.Total, s.Loaded, s.Failed, s.Cached)
	return err
}

func displaySrc(src string) string {
	if strings.HasPrefix(src, "data:") {
		return "(cached data)"
	}
	return src
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
