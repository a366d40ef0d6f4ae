package gallery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/retry"
	"github.com/tphakala/imagewall/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLoader struct {
	mu    sync.Mutex
	calls map[string]int

	active    atomic.Int32
	maxActive atomic.Int32

	delay     time.Duration
	gate      chan struct{}
	order     chan string
	fail      func(path string, call int) error
	dims      map[string][2]int
	resources *resource.Manager
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{calls: make(map[string]int)}
}

func (f *fakeLoader) Load(ctx context.Context, path string) (*transport.Outcome, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[path]++
	call := f.calls[path]
	f.mu.Unlock()

	if f.order != nil {
		f.order <- path
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(path, call); err != nil {
			return nil, err
		}
	}

	out := &transport.Outcome{Strategy: "fake", Width: 100, Height: 50}
	if d, ok := f.dims[path]; ok {
		out.Width, out.Height = d[0], d[1]
	}
	if f.resources != nil {
		h := f.resources.Create(path, resource.Blob{Data: []byte(path)})
		out.Src, out.Handle = h.URL, path
	}
	return out, nil
}

func (f *fakeLoader) callsFor(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func newTestGallery(t *testing.T, paths []string, loader Loader, mutate func(*Config)) *Gallery {
	t.Helper()
	cfg := &Config{
		Loader:    loader,
		Resources: resource.NewManager(),
		Retry:     retry.Handler{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	if mutate != nil {
		mutate(cfg)
	}
	g, err := Open(t.Context(), paths, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func waitDone(t *testing.T, g *Gallery) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
}

func paths(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("p%d", i)
	}
	return out
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(t.Context(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = Open(t.Context(), nil, &Config{Loader: newFakeLoader()})
	require.Error(t, err)
}

func TestSlotsAreDeduplicated(t *testing.T) {
	t.Parallel()

	g := newTestGallery(t, []string{"a.png", "a.png", "", "https://x.example/b.png"}, newFakeLoader(), nil)
	assert.Equal(t, []string{"a.png", "https://x.example/b.png"}, g.Paths())

	s, ok := g.Slot("https://x.example/b.png")
	require.True(t, ok)
	assert.Equal(t, transport.KindRemote, s.Kind)
	assert.Equal(t, 1, s.Index)
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	g := newTestGallery(t, []string{"a", "b"}, loader, func(c *Config) { c.MaxConcurrent = 1 })

	assert.True(t, g.Enqueue("a", true))
	assert.False(t, g.Enqueue("a", true), "already queued")
	require.Eventually(t, func() bool { return g.Active() == 1 }, time.Second, time.Millisecond)
	assert.False(t, g.Enqueue("a", false), "already loading")
	assert.False(t, g.Enqueue("missing", true))
	assert.True(t, g.Enqueue("b", false))
	assert.False(t, g.Enqueue("b", false))
	assert.Len(t, g.Queue(), 1)

	close(loader.gate)
	waitDone(t, g)

	assert.Equal(t, 1, loader.callsFor("a"))
	assert.Equal(t, 1, loader.callsFor("b"))
	assert.False(t, g.Enqueue("a", true), "already loaded")
	done, total := g.Progress()
	assert.Equal(t, 2, done)
	assert.Equal(t, 2, total)
}

func TestBoundedConcurrencyUnderBurst(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.delay = 2 * time.Millisecond
	all := paths(300)
	g := newTestGallery(t, all, loader, nil)

	var wg sync.WaitGroup
	for range 2 {
		wg.Go(func() {
			for _, p := range all {
				g.Enqueue(p, false)
			}
		})
	}
	wg.Wait()
	waitDone(t, g)

	assert.LessOrEqual(t, loader.maxActive.Load(), int32(DefaultMaxConcurrent))
	for _, p := range all {
		require.Equal(t, 1, loader.callsFor(p), p)
	}
	assert.Eventually(t, func() bool { return g.Active() == 0 }, time.Second, time.Millisecond)
}

func TestPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	loader.order = make(chan string, 10)
	g := newTestGallery(t, []string{"first", "a", "b", "c", "d"}, loader, func(c *Config) { c.MaxConcurrent = 1 })

	g.Enqueue("first", true)
	require.Eventually(t, func() bool { return g.Active() == 1 }, time.Second, time.Millisecond)

	g.Enqueue("a", false)
	g.Enqueue("b", false)
	g.Enqueue("c", true)
	g.EnqueueWithPriority("d", PriorityNormal)

	close(loader.gate)
	waitDone(t, g)
	close(loader.order)

	var got []string
	for p := range loader.order {
		got = append(got, p)
	}
	assert.Equal(t, []string{"first", "c", "d", "a", "b"}, got)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.fail = func(_ string, call int) error {
		if call < 3 {
			return errors.NewStd("timeout")
		}
		return nil
	}
	var retries atomic.Int32
	g := newTestGallery(t, []string{"a"}, loader, func(c *Config) {
		c.Retry.OnRetry = func(int, time.Duration, error) { retries.Add(1) }
	})

	g.Enqueue("a", true)
	waitDone(t, g)

	s, _ := g.Slot("a")
	assert.True(t, s.Loaded)
	assert.False(t, s.Failed)
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, int32(2), retries.Load())
	assert.Equal(t, 5, s.RowSpan)
}

func TestTerminalFailureAndFailureCache(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	loader := newFakeLoader()
	loader.fail = func(path string, _ int) error {
		if path == "dead" && !healthy.Load() {
			return errors.NewStd("unexpected status 404")
		}
		return nil
	}
	failures := transport.NewFailureCache(time.Minute)

	var mu sync.Mutex
	var reports [][2]int
	g := newTestGallery(t, []string{"dead", "ok"}, loader, func(c *Config) { c.Failures = failures })
	g.OnProgress(func(done, total int) {
		mu.Lock()
		reports = append(reports, [2]int{done, total})
		mu.Unlock()
	})
	g.Enqueue("dead", true)
	g.Enqueue("ok", true)
	waitDone(t, g)

	s, _ := g.Slot("dead")
	assert.True(t, s.Failed)
	assert.False(t, s.Loading)
	assert.Equal(t, FailedMessage, s.ErrorMessage)
	assert.Contains(t, s.Cause, "404")
	assert.Equal(t, 3, loader.callsFor("dead"))
	_, remembered := failures.Recent("dead")
	assert.True(t, remembered)

	mu.Lock()
	assert.Len(t, reports, 2)
	assert.Equal(t, [2]int{2, 2}, reports[len(reports)-1])
	mu.Unlock()

	// a reopened gallery skips the dead source without touching the network
	g2 := newTestGallery(t, []string{"dead"}, loader, func(c *Config) { c.Failures = failures })
	g2.Enqueue("dead", true)
	waitDone(t, g2)
	s, _ = g2.Slot("dead")
	assert.True(t, s.Failed)
	assert.Equal(t, 3, loader.callsFor("dead"))

	// an explicit retry bypasses and clears the failure cache
	healthy.Store(true)
	require.True(t, g2.Retry("dead"))
	assert.False(t, g2.Retry("dead"), "no longer failed")
	waitDone(t, g2)
	s, _ = g2.Slot("dead")
	assert.True(t, s.Loaded)
	assert.Empty(t, s.ErrorMessage)
	_, remembered = failures.Recent("dead")
	assert.False(t, remembered)
}

type panickyLoader struct{ *fakeLoader }

func (p panickyLoader) Load(ctx context.Context, path string) (*transport.Outcome, error) {
	if path == "boom" {
		panic("decoder exploded")
	}
	return p.fakeLoader.Load(ctx, path)
}

func TestPanicReleasesSlot(t *testing.T) {
	t.Parallel()

	loader := panickyLoader{newFakeLoader()}
	g := newTestGallery(t, []string{"boom", "fine"}, loader, func(c *Config) { c.MaxConcurrent = 1 })

	g.Enqueue("boom", true)
	g.Enqueue("fine", false)
	waitDone(t, g)

	s, _ := g.Slot("boom")
	assert.True(t, s.Failed)
	assert.Contains(t, s.Cause, "panicked")
	s, _ = g.Slot("fine")
	assert.True(t, s.Loaded)
	assert.Zero(t, g.Active())
}

func TestCloseRevokesEveryHandle(t *testing.T) {
	t.Parallel()

	resources := resource.NewManager()
	loader := newFakeLoader()
	loader.resources = resources
	g, err := Open(t.Context(), paths(4), &Config{Loader: loader, Resources: resources})
	require.NoError(t, err)

	g.EnqueueAll(2)
	waitDone(t, g)
	assert.Equal(t, 4, resources.Len())
	s, _ := g.Slot("p0")
	assert.Equal(t, "p0", s.Handle)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.Zero(t, resources.Len())
	created, revoked := resources.Stats()
	assert.Equal(t, created, revoked)
	for _, s := range g.Slots() {
		assert.Empty(t, s.Handle)
		assert.Empty(t, s.Src)
	}
	assert.False(t, g.Enqueue("p0", true), "closed galleries accept nothing")
}

func TestCloseCancelsInFlightLoads(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	g, err := Open(t.Context(), paths(10), &Config{Loader: loader, Resources: resource.NewManager()})
	require.NoError(t, err)

	g.EnqueueAll(10)
	require.Eventually(t, func() bool { return g.Active() == DefaultMaxConcurrent }, time.Second, time.Millisecond)

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait(context.Background()) }()

	require.NoError(t, g.Close())
	assert.ErrorIs(t, <-waitErr, ErrClosed)
	assert.Zero(t, g.Active())
	assert.Empty(t, g.Queue())
	for _, s := range g.Slots() {
		assert.False(t, s.Loading)
		assert.False(t, s.Failed, "cancelled loads are not failures")
	}
}

func TestWatchdogRestartsStalledQueue(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	g := newTestGallery(t, []string{"a"}, loader, func(c *Config) { c.WatchdogInterval = 10 * time.Millisecond })

	// queue without waking the drain loop
	g.mu.Lock()
	g.queue.add("a", PriorityLow, time.Now(), false)
	g.mu.Unlock()

	waitDone(t, g)
	assert.Equal(t, 1, loader.callsFor("a"))
}
