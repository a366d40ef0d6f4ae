package gallery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagewall/internal/errors"
)

func TestRowSpan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h, want int
	}{
		{100, 50, 5},
		{100, 100, 10},
		{3, 1, 4},
		{100, 1000, 30},
		{0, 0, 10},
		{100, 0, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RowSpan(tt.w, tt.h), "%dx%d", tt.w, tt.h)
	}
}

func TestLoadQueueOrdering(t *testing.T) {
	t.Parallel()

	q := newLoadQueue()
	now := time.Now()
	assert.True(t, q.add("a", PriorityLow, now, false))
	assert.True(t, q.add("b", PriorityHigh, now, false))
	assert.True(t, q.add("c", PriorityNormal, now, false))
	assert.True(t, q.add("d", PriorityHigh, now, false))
	assert.False(t, q.add("a", PriorityHigh, now, false))

	assert.True(t, q.setPriority("a", PriorityHigh))
	assert.False(t, q.setPriority("a", PriorityHigh))
	q.remove("c")
	assert.False(t, q.contains("c"))

	var got []string
	for _, it := range q.snapshot() {
		got = append(got, it.Path)
	}
	assert.Equal(t, []string{"a", "b", "d"}, got, "a keeps its earlier sequence")

	got = got[:0]
	for it := q.next(); it != nil; it = q.next() {
		got = append(got, it.Path)
	}
	assert.Equal(t, []string{"a", "b", "d"}, got)
	assert.Zero(t, q.Len())
}

func TestLayoutAndScroll(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	all := paths(6)
	g := newTestGallery(t, all, loader, func(c *Config) { c.MaxConcurrent = 1 })

	total := g.Layout(2, 1000)
	assert.InDelta(t, 3000.0, total, 0.001)
	s, _ := g.Slot("p5")
	assert.Equal(t, Position{Top: 2000, Bottom: 3000, Height: 1000}, s.Position)

	// viewport at the top: rows 0 and 1 are within the buffer
	assert.Equal(t, 6, g.Scroll(0, 0))
	require.Eventually(t, func() bool { return g.Active() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, map[string]Priority{
		"p1": PriorityHigh, "p2": PriorityHigh, "p3": PriorityHigh,
		"p4": PriorityLow, "p5": PriorityLow,
	}, priorities(g.Queue()))

	// scrolled down: p1 leaves the buffer, the bottom row enters it
	assert.Zero(t, g.Scroll(2500, 0))
	var order []string
	for _, it := range g.Queue() {
		order = append(order, it.Path)
	}
	assert.Equal(t, []string{"p2", "p3", "p4", "p5", "p1"}, order)

	close(loader.gate)
	waitDone(t, g)
}

func priorities(items []QueueItem) map[string]Priority {
	out := make(map[string]Priority, len(items))
	for _, it := range items {
		out[it.Path] = it.Priority
	}
	return out
}

func TestObserveFiresOnce(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	g := newTestGallery(t, paths(6), loader, nil)

	assert.Zero(t, g.Observe(0, 500), "nothing laid out yet")
	g.Layout(2, 1000)
	assert.Equal(t, 2, g.Observe(0, 0))
	assert.Zero(t, g.Observe(0, 0))
	assert.Equal(t, 2, g.Observe(900, 0), "second row enters the margin")

	close(loader.gate)
	require.Eventually(t, func() bool {
		done, _ := g.Progress()
		return done == 4
	}, 5*time.Second, time.Millisecond)
}

func TestFilterAndSortBySize(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.dims = map[string][2]int{
		"small.png":                 {10, 10},
		"https://x.example/big.png": {400, 300},
		"mid.png":                   {100, 100},
	}
	loader.fail = func(path string, _ int) error {
		if path == "broken.png" {
			return errors.NewStd("decode failed")
		}
		return nil
	}
	g := newTestGallery(t, []string{"small.png", "broken.png", "https://x.example/big.png", "mid.png"}, loader, nil)
	g.EnqueueAll(4)
	waitDone(t, g)

	pathsOf := func(slots []Slot) []string {
		var out []string
		for _, s := range slots {
			out = append(out, s.Path)
		}
		return out
	}

	g.SetFilter(FilterRemote)
	assert.Equal(t, []string{"https://x.example/big.png"}, pathsOf(g.Slots()))
	g.SetFilter(FilterLocal)
	assert.Equal(t, []string{"small.png", "broken.png", "mid.png"}, pathsOf(g.Slots()))

	g.SetFilter(FilterAll)
	g.SetSort(SortSizeDesc)
	assert.Equal(t, []string{"https://x.example/big.png", "mid.png", "small.png", "broken.png"}, pathsOf(g.Slots()))
	g.SetSort(SortSizeAsc)
	assert.Equal(t, []string{"small.png", "mid.png", "https://x.example/big.png", "broken.png"}, pathsOf(g.Slots()))
	g.SetSort(SortDefault)
	assert.Equal(t, []string{"small.png", "broken.png", "https://x.example/big.png", "mid.png"}, pathsOf(g.Slots()))
}

func TestFocusPreloadsNeighbours(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	g := newTestGallery(t, paths(5), loader, nil)

	idx, ok := g.Focus("p0")
	require.True(t, ok)
	assert.Zero(t, idx)

	next, settled := g.WaitForLoad(t.Context(), "p1", time.Second)
	assert.True(t, settled)
	assert.True(t, next.Loaded)
	prev, settled := g.WaitForLoad(t.Context(), "p4", time.Second)
	assert.True(t, settled)
	assert.True(t, prev.Loaded)

	_, settled = g.WaitForLoad(t.Context(), "p2", 150*time.Millisecond)
	assert.False(t, settled, "not a neighbour")
	_, settled = g.WaitForLoad(t.Context(), "nope", 0)
	assert.False(t, settled)

	_, ok = g.Focus("nope")
	assert.False(t, ok)
}
