// Package imagecache persists fetched remote images on disk.
//
// Blobs live next to a JSON index in a single directory of an afero.Fs. The
// index is authoritative: an entry is registered only after its blob was
// written and verified, entries whose blob disappeared are dropped, and files
// the index does not know about are removed on Init. Total size is bounded by
// an age limit and a byte budget enforced by Evict.
package imagecache

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/observability/metrics"
)

const (
	DefaultMaxAge  = 7 * 24 * time.Hour
	DefaultMaxSize = 100 * 1024 * 1024

	defaultWriteSaveDelay = 5 * time.Second
	defaultReadSaveDelay  = 2 * time.Second

	blobLockStripes = 32
)

// Write skip reasons, used as metric labels.
const (
	skipDisabled = "disabled"
	skipEmpty    = "empty"
	skipTooLarge = "too_large"
	skipType     = "type"
	skipDiskFull = "disk_full"
	skipIOError  = "io_error"
)

// CachedImage is the result of a cache hit.
type CachedImage struct {
	Data      []byte
	DataURI   string
	MIMEType  string
	CreatedAt time.Time
	ETag      string
}

// Store is the disk cache. It is safe for concurrent use; concurrent
// processes sharing one directory are not coordinated.
type Store struct {
	fs      afero.Fs
	dir     string
	log     logger.Logger
	metrics *metrics.CacheMetrics
	guard   DiskGuard
	weights ScoreWeights
	now     func() time.Time

	writeSaveDelay time.Duration
	readSaveDelay  time.Duration
	saveBackoff    time.Duration

	// blobLocks serialize writing, registering and unlinking a blob file.
	// Lock order: blobLocks before mu.
	blobLocks [blobLockStripes]sync.Mutex

	mu        sync.Mutex
	entries   map[string]*Entry
	total     int64
	enabled   bool
	maxAge    time.Duration
	maxSize   int64
	saveTimer *time.Timer
	closed    bool

	saveMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches cache collectors.
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithDiskGuard refuses writes when the guard reports too little room.
func WithDiskGuard(g DiskGuard) Option {
	return func(s *Store) { s.guard = g }
}

// WithDir places blobs and the index in dir inside the filesystem.
func WithDir(dir string) Option {
	return func(s *Store) { s.dir = dir }
}

// WithMaxAge sets the entry lifetime.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithMaxSize sets the byte budget.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithEnabled sets the initial enabled state.
func WithEnabled(enabled bool) Option {
	return func(s *Store) { s.enabled = enabled }
}

// WithSaveDelays sets the debounce delays after a write and after a hit.
func WithSaveDelays(afterWrite, afterRead time.Duration) Option {
	return func(s *Store) {
		s.writeSaveDelay = afterWrite
		s.readSaveDelay = afterRead
	}
}

// WithScoreWeights overrides the eviction score weights.
func WithScoreWeights(w ScoreWeights) Option {
	return func(s *Store) { s.weights = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over fs. Call Init before use.
func New(fs afero.Fs, opts ...Option) *Store {
	s := &Store{
		fs:             fs,
		dir:            "/",
		log:            logger.NewNopLogger(),
		weights:        DefaultScoreWeights(),
		now:            time.Now,
		writeSaveDelay: defaultWriteSaveDelay,
		readSaveDelay:  defaultReadSaveDelay,
		saveBackoff:    defaultSaveBackoff,
		entries:        map[string]*Entry{},
		enabled:        true,
		maxAge:         DefaultMaxAge,
		maxSize:        DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the cache directory, loads the index, drops entries whose blob
// is missing, deletes unreferenced files and evicts expired entries. Failures
// leave an empty, usable cache.
func (s *Store) Init(ctx context.Context) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		s.log.Error("failed to create cache directory", logger.String("dir", s.dir), logger.Error(err))
		s.reset()
		return
	}

	entries, err := readIndex(s.fs, s.dir)
	if err != nil {
		s.log.Warn("cache index unreadable, starting empty", logger.Error(err))
		entries = map[string]*Entry{}
	}

	var total int64
	pruned := 0
	for id, e := range entries {
		info, err := s.fs.Stat(path.Join(s.dir, e.Filename))
		if err != nil || info.IsDir() {
			s.log.Debug("dropping index entry without blob", logger.URL("source", id))
			delete(entries, id)
			pruned++
			continue
		}
		if info.Size() != e.Size {
			e.Size = info.Size()
			pruned++
		}
		total += e.Size
	}

	s.mu.Lock()
	s.entries = entries
	s.total = total
	s.mu.Unlock()

	if pruned > 0 || err != nil {
		_ = s.save()
	}
	if n := s.sweepOrphans(); n > 0 {
		s.log.Info("removed orphan cache files", logger.Int("count", n))
	}

	res := s.Evict(ctx)
	s.updateGauges()
	s.log.Info("image cache ready",
		logger.Int("entries", s.Len()),
		logger.Int64("bytes", s.Size()),
		logger.Int("pruned", pruned),
		logger.Int("evicted", res.Expired+res.Evicted))
}

func (s *Store) reset() {
	s.mu.Lock()
	s.entries = map[string]*Entry{}
	s.total = 0
	s.mu.Unlock()
	s.updateGauges()
}

// sweepOrphans removes files that no entry references.
func (s *Store) sweepOrphans() int {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		s.log.Warn("failed to list cache directory", logger.Error(err))
		return 0
	}

	s.mu.Lock()
	known := s.filenamesLocked()
	s.mu.Unlock()

	removed := 0
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || name == indexName || known[name] {
			continue
		}
		if s.removeOrphan(name) {
			removed++
		}
	}
	return removed
}

// removeOrphan deletes name unless a Put registered it since the directory
// was listed.
func (s *Store) removeOrphan(name string) bool {
	l := s.blobLock(name)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	live := s.filenamesLocked()[name]
	s.mu.Unlock()
	if live {
		return false
	}
	err := s.fs.Remove(path.Join(s.dir, name))
	switch {
	case err == nil:
		return true
	case !os.IsNotExist(err):
		s.log.Warn("failed to remove orphan cache file", logger.String("file", name), logger.Error(err))
	}
	return false
}

func (s *Store) filenamesLocked() map[string]bool {
	names := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		names[e.Filename] = true
	}
	return names
}

// Get returns the cached image for sourceID. Expired entries and entries
// whose blob cannot be read are evicted and reported as a miss.
func (s *Store) Get(_ context.Context, sourceID string) (*CachedImage, bool) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil, false
	}
	e, ok := s.entries[sourceID]
	if !ok {
		s.mu.Unlock()
		s.metrics.Miss()
		return nil, false
	}
	if s.expired(e, s.now()) {
		s.removeLocked(sourceID)
		s.scheduleSave(s.writeSaveDelay)
		s.mu.Unlock()
		s.dropBlob(sourceID, e.Filename)
		s.metrics.Evicted(metrics.EvictExpired, 1)
		s.metrics.Miss()
		s.updateGauges()
		s.log.Debug("cache entry expired", logger.URL("source", sourceID))
		return nil, false
	}
	entry := *e
	s.mu.Unlock()

	data, err := readFile(s.fs, s.dir, entry.Filename)
	if err != nil || int64(len(data)) != entry.Size {
		s.log.Warn("cache blob unreadable, dropping entry",
			logger.URL("source", sourceID),
			logger.String("file", entry.Filename),
			logger.Error(err))
		s.mu.Lock()
		if cur, ok := s.entries[sourceID]; ok && cur.Filename == entry.Filename {
			s.removeLocked(sourceID)
			s.scheduleSave(s.writeSaveDelay)
		}
		s.mu.Unlock()
		if err == nil {
			s.dropBlob(sourceID, entry.Filename)
		}
		s.metrics.Evicted(metrics.EvictStale, 1)
		s.metrics.Miss()
		s.updateGauges()
		return nil, false
	}

	s.mu.Lock()
	if cur, ok := s.entries[sourceID]; ok {
		cur.AccessCount++
		cur.LastAccessed = s.now()
		s.scheduleSave(s.readSaveDelay)
	}
	s.mu.Unlock()
	s.metrics.Hit()

	mt := detectMIME(entry.MIMEType, data)
	return &CachedImage{
		Data:      data,
		DataURI:   DataURI(mt, data),
		MIMEType:  mt,
		CreatedAt: entry.CreatedAt,
		ETag:      entry.ETag,
	}, true
}

// Put stores data for sourceID when it qualifies and returns a data URI of
// the bytes either way. Storage faults are logged, never returned.
func (s *Store) Put(ctx context.Context, sourceID string, data []byte, etag, mimeType string) string {
	mimeType = normalizeMIME(mimeType)
	uri := DataURI(detectMIME(mimeType, data), data)

	if reason := s.rejectReason(sourceID, data, mimeType); reason != "" {
		s.metrics.WriteSkipped(reason)
		s.log.Debug("not caching image",
			logger.URL("source", sourceID),
			logger.String("reason", reason),
			logger.Int("bytes", len(data)))
		return uri
	}

	name := blobName(sourceID)
	lock := s.blobLock(name)
	lock.Lock()
	if err := writeFile(s.fs, s.dir, name, data); err != nil {
		lock.Unlock()
		s.metrics.WriteSkipped(skipIOError)
		s.log.Error("failed to write cache blob", logger.URL("source", sourceID), logger.Error(err))
		return uri
	}
	info, err := s.fs.Stat(path.Join(s.dir, name))
	if err != nil || info.Size() != int64(len(data)) {
		s.removeBlob(name)
		// the previous blob under this name is gone too
		s.mu.Lock()
		if old, ok := s.entries[sourceID]; ok && old.Filename == name {
			s.removeLocked(sourceID)
			s.scheduleSave(s.writeSaveDelay)
		}
		s.mu.Unlock()
		lock.Unlock()
		s.metrics.WriteSkipped(skipIOError)
		s.log.Error("cache blob verification failed", logger.URL("source", sourceID), logger.Error(err))
		s.updateGauges()
		return uri
	}

	now := s.now()
	s.mu.Lock()
	var staleFile string
	if old, ok := s.entries[sourceID]; ok && old.Filename != name {
		staleFile = old.Filename
	}
	s.removeLocked(sourceID)
	s.entries[sourceID] = &Entry{
		SourceID:     sourceID,
		Filename:     name,
		Size:         info.Size(),
		CreatedAt:    now,
		ETag:         etag,
		MIMEType:     mimeType,
		LastAccessed: now,
	}
	s.total += info.Size()
	over := s.total > s.maxSize
	s.scheduleSave(s.writeSaveDelay)
	s.mu.Unlock()
	lock.Unlock()

	if staleFile != "" {
		s.dropBlob(sourceID, staleFile)
	}
	s.metrics.Write()
	s.log.Debug("cached image",
		logger.URL("source", sourceID),
		logger.String("file", name),
		logger.Int("bytes", len(data)))

	if over {
		s.Evict(ctx)
	}
	s.updateGauges()
	return uri
}

func (s *Store) rejectReason(sourceID string, data []byte, mimeType string) string {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()

	switch {
	case !enabled:
		return skipDisabled
	case len(data) == 0:
		return skipEmpty
	case len(data) > MaxItemSize:
		return skipTooLarge
	case !isStaticImage(sourceID, mimeType, data):
		return skipType
	case s.guard != nil && !s.guard.HasRoom(int64(len(data))):
		return skipDiskFull
	}
	return ""
}

// Clear removes every entry and file and persists an empty index.
func (s *Store) Clear(_ context.Context) {
	s.mu.Lock()
	files := make(map[string]string, len(s.entries))
	for id, e := range s.entries {
		files[id] = e.Filename
	}
	n := len(s.entries)
	s.entries = map[string]*Entry{}
	s.total = 0
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()

	for id, f := range files {
		s.dropBlob(id, f)
	}
	s.sweepOrphans()
	_ = s.save()

	s.metrics.Evicted(metrics.EvictClear, n)
	s.updateGauges()
	s.log.Info("image cache cleared", logger.Int("entries", n))
}

// removeLocked drops an entry and its size. Caller holds s.mu.
func (s *Store) removeLocked(sourceID string) {
	if e, ok := s.entries[sourceID]; ok {
		s.total -= e.Size
		delete(s.entries, sourceID)
	}
}

// blobLock returns the lock guarding name and its temp files.
func (s *Store) blobLock(name string) *sync.Mutex {
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return &s.blobLocks[xxhash.Sum64String(name)%blobLockStripes]
}

// dropBlob unlinks the blob an entry for sourceID used to own, unless a
// concurrent Put has registered the same file again.
func (s *Store) dropBlob(sourceID, name string) {
	l := s.blobLock(name)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	e, ok := s.entries[sourceID]
	live := ok && e.Filename == name
	s.mu.Unlock()
	if live {
		return
	}
	s.removeBlob(name)
}

func (s *Store) removeBlob(name string) {
	if err := s.fs.Remove(path.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove cache blob", logger.String("file", name), logger.Error(err))
	}
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > s.maxAge
}

func (s *Store) updateGauges() {
	s.mu.Lock()
	total, n := s.total, len(s.entries)
	s.mu.Unlock()
	s.metrics.SetSize(total, n)
}

// SetEnabled turns caching on or off. Disabled stores miss every Get and
// skip every Put.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Enabled reports whether caching is on.
func (s *Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetMaxAge changes the entry lifetime and evicts immediately.
func (s *Store) SetMaxAge(ctx context.Context, d time.Duration) EvictionResult {
	s.mu.Lock()
	s.maxAge = d
	s.mu.Unlock()
	return s.Evict(ctx)
}

// SetMaxSize changes the byte budget and evicts immediately.
func (s *Store) SetMaxSize(ctx context.Context, n int64) EvictionResult {
	s.mu.Lock()
	s.maxSize = n
	s.mu.Unlock()
	return s.Evict(ctx)
}

// MaxAge returns the entry lifetime.
func (s *Store) MaxAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAge
}

// MaxSize returns the byte budget.
func (s *Store) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// Size returns the total size of all entries in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns copies of all entries, most recently accessed first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.After(out[j].LastAccessed)
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// BlobPath returns the path of an entry's blob inside the filesystem.
func (s *Store) BlobPath(e Entry) string {
	return path.Join(s.dir, e.Filename)
}

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Close flushes pending index changes and stops the debounce timer. Later
// changes are kept in memory only.
func (s *Store) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	// a save that fired before Flush may still be running
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return err
}
