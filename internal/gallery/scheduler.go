package gallery

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/transport"
)

// errRecentlyFailed marks loads skipped because the failure cache still
// remembers the source.
var errRecentlyFailed = errors.NewStd("source failed recently")

// FailedMessage is shown on a slot whose load failed.
const FailedMessage = "loading failed"

// Enqueue queues path at high priority when visible, else low. It is a no-op
// for unknown paths and for slots already queued, loading, loaded or failed.
func (g *Gallery) Enqueue(path string, visible bool) bool {
	p := PriorityLow
	if visible {
		p = PriorityHigh
	}
	return g.EnqueueWithPriority(path, p)
}

// EnqueueWithPriority queues path at priority p.
func (g *Gallery) EnqueueWithPriority(path string, p Priority) bool {
	g.mu.Lock()
	ok := g.enqueueLocked(path, p, false)
	g.mu.Unlock()
	if ok {
		g.kick()
	}
	return ok
}

// EnqueueAll queues every slot in display order, the first visible ones at
// high priority.
func (g *Gallery) EnqueueAll(visible int) int {
	g.mu.Lock()
	n := 0
	for i, s := range g.displayOrderLocked() {
		p := PriorityLow
		if i < visible {
			p = PriorityHigh
		}
		if g.enqueueLocked(s.Path, p, false) {
			n++
		}
	}
	g.mu.Unlock()
	if n > 0 {
		g.kick()
	}
	return n
}

func (g *Gallery) enqueueLocked(path string, p Priority, userRetry bool) bool {
	if g.closed {
		return false
	}
	s, ok := g.slots[path]
	if !ok || s.Loading || s.Loaded || s.Failed || g.queue.contains(path) {
		return false
	}
	g.queue.add(path, p, time.Now(), userRetry)
	g.metrics.SetQueue(g.queue.Len(), g.active)
	return true
}

// Reprioritize moves a queued path to high or low priority.
func (g *Gallery) Reprioritize(path string, visible bool) bool {
	p := PriorityLow
	if visible {
		p = PriorityHigh
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.setPriority(path, p)
}

// Retry re-queues a failed slot at normal priority, bypassing the failure
// cache.
func (g *Gallery) Retry(path string) bool {
	g.mu.Lock()
	s, ok := g.slots[path]
	if !ok || !s.Failed || g.closed {
		g.mu.Unlock()
		return false
	}
	s.Failed = false
	s.ErrorMessage = ""
	s.Cause = ""
	g.done--
	g.failures.Forget(path)
	queued := g.enqueueLocked(path, PriorityNormal, true)
	g.mu.Unlock()

	if queued {
		g.kick()
	}
	return queued
}

// kick wakes the drain loop without blocking.
func (g *Gallery) kick() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// run owns draining: every drain and watchdog check happens on this
// goroutine, so a drain is never running while the watchdog looks.
func (g *Gallery) run() {
	defer close(g.runDone)

	ticker := time.NewTicker(g.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.wake:
			g.drain()
		case <-ticker.C:
			g.watchdog()
		}
	}
}

// watchdog restarts draining when items wait with nothing in flight.
func (g *Gallery) watchdog() {
	g.mu.Lock()
	stalled := g.queue.Len() > 0 && g.active == 0
	depth := g.queue.Len()
	g.mu.Unlock()
	if !stalled {
		return
	}
	g.metrics.WatchdogRestart()
	g.log.Warn("load queue stalled, restarting", logger.Int("queued", depth))
	g.drain()
}

// drain starts loads while capacity and queue allow.
func (g *Gallery) drain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}

	for g.active < g.maxConcurrent {
		item := g.queue.next()
		if item == nil {
			break
		}
		s, ok := g.slots[item.Path]
		if !ok || s.Loading || s.Loaded || s.Failed {
			continue
		}
		s.Loading = true
		g.active++
		g.loads.Add(1)
		go g.load(item)
	}
	g.metrics.SetQueue(g.queue.Len(), g.active)
}

// load runs one queued item. The deferred cleanup always releases the
// active slot and wakes the drain loop, also after a panic.
func (g *Gallery) load(item *QueueItem) {
	start := time.Now()
	var (
		out *transport.Outcome
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.Newf("image load panicked: %v", r).
				Component("gallery").
				Category(errors.CategoryGeneric).
				Context("source", logger.RedactURL(item.Path)).
				Build()
		}
		g.finish(item, out, err, time.Since(start))
		g.loads.Done()
		g.kick()
	}()

	out, err = g.attempt(item)
}

func (g *Gallery) attempt(item *QueueItem) (*transport.Outcome, error) {
	if !item.UserRetry {
		if msg, ok := g.failures.Recent(item.Path); ok {
			return nil, errors.New(fmt.Errorf("%w: %s", errRecentlyFailed, msg)).
				Component("gallery").
				Category(errors.CategoryImageFetch).
				Context("source", logger.RedactURL(item.Path)).
				Build()
		}
	}

	var out *transport.Outcome
	err := g.retry.Do(g.ctx, func(ctx context.Context, attempt int) error {
		item.Retries = attempt
		o, err := g.loader.Load(ctx, item.Path)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// finish records the outcome of a load on its slot.
func (g *Gallery) finish(item *QueueItem, out *transport.Outcome, err error, elapsed time.Duration) {
	g.mu.Lock()
	g.active--
	cancelled := g.closed || g.ctx.Err() != nil
	s, ok := g.slots[item.Path]
	if !ok {
		g.mu.Unlock()
		return
	}
	s.Loading = false
	s.Attempts = item.Retries + 1
	s.Elapsed = elapsed

	terminal := false
	switch {
	case cancelled:
		// left unresolved, Close revokes whatever the load created
	case err != nil:
		s.Failed = true
		s.ErrorMessage = FailedMessage
		s.Cause = err.Error()
		terminal = true
	default:
		s.Loaded = true
		s.Src = out.Src
		s.Handle = out.Handle
		s.Strategy = out.Strategy
		s.Cached = out.Cached
		s.Width, s.Height = out.Width, out.Height
		s.RowSpan = RowSpan(out.Width, out.Height)
		terminal = true
	}
	if terminal {
		g.done++
		g.notifyLocked()
	}
	done, total := g.done, len(g.order)
	callbacks := slices.Clone(g.progress)
	g.metrics.SetQueue(g.queue.Len(), g.active)
	g.mu.Unlock()

	if cancelled {
		return
	}

	strategy := ""
	if out != nil {
		strategy = out.Strategy
	}
	g.metrics.LoadFinished(strategy, err, elapsed)

	if err != nil {
		if !errors.Is(err, errRecentlyFailed) {
			g.failures.Remember(item.Path, err)
		}
		g.log.Warn("image failed to load",
			logger.URL("source", item.Path),
			logger.Int("attempts", item.Retries+1),
			logger.Error(err))
	} else {
		g.log.Debug("image loaded",
			logger.URL("source", item.Path),
			logger.String("strategy", strategy),
			logger.Duration("elapsed", elapsed))
	}

	for _, fn := range callbacks {
		fn(done, total)
	}
}
