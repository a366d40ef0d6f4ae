// Package gallery schedules image loads for the slots of one open gallery.
//
// A Gallery owns its slots, the priority load queue and the per-slot
// loading flags. Loads run through a Loader (the transport chain) with at
// most MaxConcurrent in flight, each wrapped in a bounded retry. A single
// goroutine drains the queue; finished loads wake it again and a watchdog
// ticker restarts it should the queue ever stall.
package gallery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/observability/metrics"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/retry"
	"github.com/tphakala/imagewall/internal/transport"
)

const (
	DefaultMaxConcurrent    = 5
	DefaultWatchdogInterval = 5 * time.Second

	closeTimeout = 10 * time.Second
)

// ErrClosed is returned by Wait when the gallery closes first.
var ErrClosed = errors.NewStd("gallery closed")

// Loader loads one image reference.
type Loader interface {
	Load(ctx context.Context, path string) (*transport.Outcome, error)
}

// Config holds the collaborators of a Gallery. Loader and Resources are
// required.
type Config struct {
	Loader     Loader
	Resources  *resource.Manager
	Failures   *transport.FailureCache
	Restricted []transport.RestrictedHost

	MaxConcurrent    int
	Retry            retry.Handler
	WatchdogInterval time.Duration

	Logger  logger.Logger
	Metrics *metrics.LoaderMetrics
}

// Gallery is one open image gallery.
type Gallery struct {
	loader           Loader
	resources        *resource.Manager
	failures         *transport.FailureCache
	retry            retry.Handler
	maxConcurrent    int
	watchdogInterval time.Duration
	log              logger.Logger
	metrics          *metrics.LoaderMetrics

	mu       sync.Mutex
	order    []string
	slots    map[string]*Slot
	queue    *loadQueue
	active   int
	done     int
	observed map[string]bool
	filter   Filter
	sortBy   SortOrder
	progress []func(done, total int)
	changed  chan struct{}
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	loads     sync.WaitGroup
	runDone   chan struct{}
	closeOnce sync.Once
}

// Open creates a gallery with one slot per distinct path and starts its
// scheduler. Nothing loads until paths are enqueued.
func Open(ctx context.Context, paths []string, cfg *Config) (*Gallery, error) {
	if cfg == nil || cfg.Loader == nil || cfg.Resources == nil {
		return nil, errors.Newf("gallery needs a loader and a resource manager").
			Component("gallery").
			Category(errors.CategoryValidation).
			Build()
	}

	g := &Gallery{
		loader:           cfg.Loader,
		resources:        cfg.Resources,
		failures:         cfg.Failures,
		retry:            cfg.Retry,
		maxConcurrent:    cfg.MaxConcurrent,
		watchdogInterval: cfg.WatchdogInterval,
		log:              cfg.Logger,
		metrics:          cfg.Metrics,
		slots:            make(map[string]*Slot, len(paths)),
		queue:            newLoadQueue(),
		observed:         make(map[string]bool),
		changed:          make(chan struct{}),
		wake:             make(chan struct{}, 1),
		runDone:          make(chan struct{}),
	}
	if g.maxConcurrent <= 0 {
		g.maxConcurrent = DefaultMaxConcurrent
	}
	if g.watchdogInterval <= 0 {
		g.watchdogInterval = DefaultWatchdogInterval
	}
	if g.log == nil {
		g.log = logger.NewNopLogger()
	}
	g.log = g.log.Module("gallery")

	restricted := cfg.Restricted
	if restricted == nil {
		restricted = transport.DefaultRestrictedHosts()
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := g.slots[p]; dup {
			continue
		}
		g.slots[p] = &Slot{
			Path:    p,
			Index:   len(g.order),
			Kind:    transport.Classify(p, restricted).Kind,
			RowSpan: rowSpanBase,
		}
		g.order = append(g.order, p)
	}

	g.retry.OnRetry = chainRetryHook(cfg.Retry.OnRetry, func(attempt int, delay time.Duration, err error) {
		g.metrics.Retry()
		g.log.Debug("retrying image load",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
	})

	g.ctx, g.cancel = context.WithCancel(ctx)
	go g.run()

	g.log.Debug("gallery opened", logger.Int("slots", len(g.order)))
	return g, nil
}

func chainRetryHook(first, second func(int, time.Duration, error)) func(int, time.Duration, error) {
	if first == nil {
		return second
	}
	return func(attempt int, delay time.Duration, err error) {
		first(attempt, delay, err)
		second(attempt, delay, err)
	}
}

// Len returns the number of slots.
func (g *Gallery) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// Paths returns the slot paths in extraction order.
func (g *Gallery) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.order)
}

// Slot returns a copy of the slot for path.
func (g *Gallery) Slot(path string) (Slot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[path]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// Progress returns how many slots reached a terminal state, successful or
// not, and the slot total.
func (g *Gallery) Progress() (done, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done, len(g.order)
}

// Active returns the number of loads in flight.
func (g *Gallery) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Queue returns the pending items in load order.
func (g *Gallery) Queue() []QueueItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.snapshot()
}

// OnProgress registers fn to be called after every terminal slot outcome.
func (g *Gallery) OnProgress(fn func(done, total int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.progress = append(g.progress, fn)
}

// notifyLocked wakes everyone blocked in Wait.
func (g *Gallery) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Wait blocks until every slot has loaded or failed.
func (g *Gallery) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		complete := g.done >= len(g.order)
		closed := g.closed
		ch := g.changed
		g.mu.Unlock()

		switch {
		case complete:
			return nil
		case closed:
			return ErrClosed
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops scheduling, cancels in-flight loads, waits for them and
// revokes every transient handle. Pending cache writes are allowed to
// finish. Close is idempotent.
func (g *Gallery) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.queue.clear()
		g.notifyLocked()
		g.mu.Unlock()

		g.cancel()
		<-g.runDone
		err = g.waitLoads(closeTimeout)
		if w, ok := g.loader.(interface{ Wait() }); ok {
			w.Wait()
		}

		g.resources.RevokeAll()
		g.mu.Lock()
		for _, s := range g.slots {
			s.Handle = ""
			s.Src = ""
		}
		g.mu.Unlock()
		g.metrics.SetQueue(0, 0)
		g.log.Debug("gallery closed")
	})
	return err
}

func (g *Gallery) waitLoads(timeout time.Duration) error {
	c := make(chan struct{})
	go func() {
		g.loads.Wait()
		close(c)
	}()
	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return errors.Newf("timed out waiting for loads to finish after %v", timeout).
			Component("gallery").
			Category(errors.CategoryTimeout).
			Build()
	}
}
