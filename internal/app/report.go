package app

import (
	"github.com/tphakala/imagewall/internal/gallery"
)

// Slot statuses in reports.
const (
	StatusPending = "pending"
	StatusLoading = "loading"
	StatusLoaded  = "loaded"
	StatusFailed  = "failed"
)

// SlotReport is the printable outcome of one slot.
type SlotReport struct {
	Path      string `json:"path" yaml:"path"`
	Kind      string `json:"kind" yaml:"kind"`
	Status    string `json:"status" yaml:"status"`
	Strategy  string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Cached    bool   `json:"cached" yaml:"cached"`
	Width     int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height    int    `json:"height,omitempty" yaml:"height,omitempty"`
	RowSpan   int    `json:"rowSpan" yaml:"rowSpan"`
	Attempts  int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	ElapsedMs int64  `json:"elapsedMs,omitempty" yaml:"elapsedMs,omitempty"`
	Src       string `json:"src,omitempty" yaml:"src,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report converts slots to reports in the given order.
func Report(slots []gallery.Slot) []SlotReport {
	out := make([]SlotReport, 0, len(slots))
	for i := range slots {
		s := &slots[i]
		r := SlotReport{
			Path:      s.Path,
			Kind:      s.Kind.String(),
			Status:    status(s),
			Strategy:  s.Strategy,
			Cached:    s.Cached,
			Width:     s.Width,
			Height:    s.Height,
			RowSpan:   s.RowSpan,
			Attempts:  s.Attempts,
			ElapsedMs: s.Elapsed.Milliseconds(),
			Src:       s.Src,
		}
		if s.Failed {
			r.Error = s.Cause
		}
		out = append(out, r)
	}
	return out
}

func status(s *gallery.Slot) string {
	switch {
	case s.Loaded:
		return StatusLoaded
	case s.Failed:
		return StatusFailed
	case s.Loading:
		return StatusLoading
	default:
		return StatusPending
	}
}

// Summary counts report statuses and cache hits.
type Summary struct {
	Total  int `json:"total"`
	Loaded int `json:"loaded"`
	Failed int `json:"failed"`
	Cached int `json:"cached"`
}

// Summarize tallies reports.
func Summarize(reports []SlotReport) Summary {
	sum := Summary{Total: len(reports)}
	for _, r := range reports {
		switch r.Status {
		case StatusLoaded:
			sum.Loaded++
		case StatusFailed:
			sum.Failed++
		}
		if r.Cached {
			sum.Cached++
		}
	}
	return sum
}
