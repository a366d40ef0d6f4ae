package gallery

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/tphakala/imagewall/internal/transport"
)

const (
	// ScrollBuffer extends the viewport on both sides when deciding which
	// slots count as visible.
	ScrollBuffer = 1000.0
	// ObserverMargin is the root margin of the intersection observer.
	ObserverMargin = 200.0

	rowSpanBase = 10
	rowSpanMax  = 30

	waitPollInterval   = 100 * time.Millisecond
	DefaultWaitTimeout = 5 * time.Second
)

// Position is a slot's vertical extent inside the scroll container.
type Position struct {
	Top    float64
	Bottom float64
	Height float64
}

// Known reports whether the slot has been laid out.
func (p Position) Known() bool { return p.Height > 0 }

// Slot is one image of the gallery.
type Slot struct {
	Path  string
	Index int // position in extraction order
	Kind  transport.Kind

	Loading      bool
	Loaded       bool
	Failed       bool
	ErrorMessage string
	Cause        string

	Handle   string // resource key of the transient handle, if any
	Src      string // source assigned to the renderer
	Strategy string
	Cached   bool
	Attempts int
	Elapsed  time.Duration

	Width    int
	Height   int
	RowSpan  int
	Position Position
}

// RowSpan returns the grid rows a width x height image spans in the
// waterfall: ten rows per unit of aspect ratio, capped at thirty. Unknown
// dimensions span ten.
func RowSpan(width, height int) int {
	ratio := 1.0
	if width > 0 && height > 0 {
		ratio = float64(height) / float64(width)
	}
	return min(int(math.Ceil(ratio*rowSpanBase)), rowSpanMax)
}

// Filter selects slots by kind.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterLocal  Filter = "local"
	FilterRemote Filter = "remote"
)

func (f Filter) matches(k transport.Kind) bool {
	switch f {
	case FilterLocal:
		return !k.Remote()
	case FilterRemote:
		return k.Remote()
	default:
		return true
	}
}

// SortOrder orders the displayed slots.
type SortOrder string

const (
	SortDefault  SortOrder = "default"
	SortSizeDesc SortOrder = "size-desc"
	SortSizeAsc  SortOrder = "size-asc"
)

// SetFilter changes the displayed subset. Slots filtered out lose their
// position until the next Layout.
func (g *Gallery) SetFilter(f Filter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filter = f
}

// SetSort changes the display order.
func (g *Gallery) SetSort(o SortOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sortBy = o
}

// Slots returns copies of the displayed slots in display order.
func (g *Gallery) Slots() []Slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	shown := g.displayOrderLocked()
	out := make([]Slot, 0, len(shown))
	for _, s := range shown {
		out = append(out, *s)
	}
	return out
}

// displayOrderLocked applies the filter and sort. Size sorting orders loaded
// slots by pixel area and keeps unloaded ones after them in extraction
// order.
func (g *Gallery) displayOrderLocked() []*Slot {
	shown := make([]*Slot, 0, len(g.order))
	for _, p := range g.order {
		if s := g.slots[p]; g.filter.matches(s.Kind) {
			shown = append(shown, s)
		}
	}
	if g.sortBy != SortSizeDesc && g.sortBy != SortSizeAsc {
		return shown
	}

	area := func(s *Slot) int { return s.Width * s.Height }
	slices.SortStableFunc(shown, func(a, b *Slot) int {
		aa, ba := area(a), area(b)
		switch {
		case aa == 0 && ba == 0:
			return 0
		case aa == 0:
			return 1
		case ba == 0:
			return -1
		case g.sortBy == SortSizeDesc:
			return ba - aa
		default:
			return aa - ba
		}
	})
	return shown
}

// Layout places the displayed slots into columns of the given width,
// shortest column first, and returns the total content height. One grid row
// is a tenth of the column width, so a square image is as tall as it is
// wide.
func (g *Gallery) Layout(columns int, columnWidth float64) float64 {
	columns = max(columns, 1)
	rowUnit := columnWidth / rowSpanBase

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.slots {
		s.Position = Position{}
	}
	heights := make([]float64, columns)
	for _, s := range g.displayOrderLocked() {
		col := 0
		for c := 1; c < columns; c++ {
			if heights[c] < heights[col] {
				col = c
			}
		}
		span := s.RowSpan
		if span <= 0 {
			span = rowSpanBase
		}
		h := float64(span) * rowUnit
		s.Position = Position{Top: heights[col], Bottom: heights[col] + h, Height: h}
		heights[col] += h
	}
	return slices.Max(heights)
}

// Scroll re-derives visibility for a viewport at top with the given height
// and a ScrollBuffer margin. Visible slots are queued or promoted to high
// priority, the rest queued or demoted to low. It returns how many slots
// were newly queued.
func (g *Gallery) Scroll(top, height float64) int {
	lo, hi := top-ScrollBuffer, top+height+ScrollBuffer

	g.mu.Lock()
	queued, moved := 0, 0
	for _, s := range g.displayOrderLocked() {
		if !s.Position.Known() || s.Loading || s.Loaded || s.Failed {
			continue
		}
		visible := s.Position.Bottom >= lo && s.Position.Top <= hi
		p := PriorityLow
		if visible {
			p = PriorityHigh
		}
		if g.queue.contains(s.Path) {
			if g.queue.setPriority(s.Path, p) {
				moved++
			}
			continue
		}
		if g.enqueueLocked(s.Path, p, false) {
			queued++
		}
	}
	g.mu.Unlock()

	if queued > 0 || moved > 0 {
		g.kick()
	}
	return queued
}

// Observe fires once per slot entering the viewport extended by
// ObserverMargin, queueing it at low priority. It returns how many slots
// fired.
func (g *Gallery) Observe(top, height float64) int {
	lo, hi := top-ObserverMargin, top+height+ObserverMargin

	g.mu.Lock()
	fired := 0
	for _, s := range g.displayOrderLocked() {
		if g.observed[s.Path] || !s.Position.Known() {
			continue
		}
		if s.Position.Bottom < lo || s.Position.Top > hi {
			continue
		}
		g.observed[s.Path] = true
		fired++
		g.enqueueLocked(s.Path, PriorityLow, false)
	}
	g.mu.Unlock()

	if fired > 0 {
		g.kick()
	}
	return fired
}

// Focus opens path in the lightbox and preloads its neighbours in
// extraction order at low priority. It returns the slot index.
func (g *Gallery) Focus(path string) (int, bool) {
	g.mu.Lock()
	s, ok := g.slots[path]
	if !ok {
		g.mu.Unlock()
		return 0, false
	}
	idx, n := s.Index, len(g.order)
	queued := false
	for _, i := range []int{(idx + 1) % n, (idx - 1 + n) % n} {
		if g.enqueueLocked(g.order[i], PriorityLow, false) {
			queued = true
		}
	}
	g.mu.Unlock()

	if queued {
		g.kick()
	}
	return idx, true
}

// WaitForLoad polls path until it loaded or failed, timeout elapsed
// (DefaultWaitTimeout when zero) or ctx is done. The returned flag reports
// whether the slot settled.
func (g *Gallery) WaitForLoad(ctx context.Context, path string, timeout time.Duration) (Slot, bool) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		s, ok := g.Slot(path)
		if !ok {
			return Slot{}, false
		}
		if s.Loaded || s.Failed {
			return s, true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return s, false
		case <-ctx.Done():
			return s, false
		}
	}
}
