package imagecache

import (
	"context"
	"fmt"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagewall/internal/observability/metrics"
)

// indexFs records every index write and optionally fails them.
type indexFs struct {
	afero.Fs
	fail bool

	mu     sync.Mutex
	writes []time.Time
}

func (f *indexFs) Rename(oldname, newname string) error {
	if path.Base(newname) != indexName {
		return f.Fs.Rename(oldname, newname)
	}
	f.mu.Lock()
	f.writes = append(f.writes, time.Now())
	f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("rename %s: no space left on device", newname)
	}
	return f.Fs.Rename(oldname, newname)
}

func (f *indexFs) Writes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.writes...)
}

func newCacheMetrics(t *testing.T) *metrics.CacheMetrics {
	t.Helper()
	m, err := metrics.NewCacheMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestReadHitsCoalesceIntoOneIndexSave(t *testing.T) {
	t.Parallel()

	fs := &indexFs{Fs: afero.NewMemMapFs()}
	m := newCacheMetrics(t)
	s := newTestStore(t, fs, newFakeClock(), WithMetrics(m), WithSaveDelays(time.Hour, 50*time.Millisecond))
	ctx := context.Background()
	const id = "https://example.com/hot.png"

	s.Put(ctx, id, pngBytes(64), "", "image/png")
	require.NoError(t, s.Flush())
	require.Len(t, fs.Writes(), 1)

	for range 10 {
		_, ok := s.Get(ctx, id)
		require.True(t, ok)
	}

	require.Eventually(t, func() bool { return len(fs.Writes()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, fs.Writes(), 2, "hits inside the quiet period share one write")
	assert.InDelta(t, 2, testutil.ToFloat64(m.IndexSaves.WithLabelValues("ok")), 0)

	entries, err := readIndex(fs, "/")
	require.NoError(t, err)
	require.Contains(t, entries, id)
	assert.Equal(t, 10, entries[id].AccessCount)
}

func TestDebouncedSaveWritesLatestState(t *testing.T) {
	t.Parallel()

	fs := &indexFs{Fs: afero.NewMemMapFs()}
	s := newTestStore(t, fs, newFakeClock(), WithSaveDelays(100*time.Millisecond, time.Hour))
	ctx := context.Background()

	s.Put(ctx, "https://example.com/a.png", pngBytes(10), "", "image/png")
	s.Put(ctx, "https://example.com/b.png", pngBytes(20), "", "image/png")
	s.Put(ctx, "https://example.com/a.png", pngBytes(50), `"v2"`, "image/png")

	require.Eventually(t, func() bool { return len(fs.Writes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, fs.Writes(), 1)

	entries, err := readIndex(fs, "/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(50), entries["https://example.com/a.png"].Size)
	assert.Equal(t, `"v2"`, entries["https://example.com/a.png"].ETag)
	assert.Equal(t, int64(20), entries["https://example.com/b.png"].Size)
}

func TestIndexSaveRetriesWithLinearBackoff(t *testing.T) {
	t.Parallel()

	fs := &indexFs{Fs: afero.NewMemMapFs(), fail: true}
	m := newCacheMetrics(t)
	clock := newFakeClock()
	s := New(fs, WithClock(clock.Now), WithMetrics(m), WithSaveDelays(10*time.Millisecond, time.Hour))
	s.saveBackoff = 20 * time.Millisecond
	s.Init(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	const id = "https://example.com/full.png"

	uri := s.Put(ctx, id, pngBytes(32), "", "image/png")
	assert.Equal(t, DataURI("image/png", pngBytes(32)), uri)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.IndexSaves.WithLabelValues("error")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	writes := fs.Writes()
	require.Len(t, writes, saveAttempts)
	assert.GreaterOrEqual(t, writes[1].Sub(writes[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, writes[2].Sub(writes[1]), 40*time.Millisecond)
	assert.InDelta(t, 0, testutil.ToFloat64(m.IndexSaves.WithLabelValues("ok")), 0)

	// the failure stays inside the store
	img, ok := s.Get(ctx, id)
	require.True(t, ok)
	assert.Len(t, img.Data, 32)
	assert.Error(t, s.save())
}
