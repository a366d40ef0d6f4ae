// Package app wires settings into the long-lived imagewall components
// shared by the CLI commands and the HTTP API.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/imagewall/internal/buildinfo"
	"github.com/tphakala/imagewall/internal/conf"
	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/extract"
	"github.com/tphakala/imagewall/internal/gallery"
	"github.com/tphakala/imagewall/internal/httpclient"
	"github.com/tphakala/imagewall/internal/imagecache"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/observability"
	"github.com/tphakala/imagewall/internal/render"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/retry"
	"github.com/tphakala/imagewall/internal/telemetry"
	"github.com/tphakala/imagewall/internal/transport"
	"github.com/tphakala/imagewall/internal/vault"
)

// skipDirs are never indexed as vault files.
var skipDirs = []string{".imagewall", ".obsidian", ".git", ".trash", "node_modules"}

// App holds the shared components. Galleries are opened per note and own
// their transient handles.
type App struct {
	Log      logger.Logger
	Metrics  *observability.Metrics
	Cache    *imagecache.Store
	Vault    *vault.Dir
	HTTP     *httpclient.Client
	Failures *transport.FailureCache
	Reporter *telemetry.Reporter // nil unless telemetry is enabled

	mu        sync.RWMutex
	settings  *conf.Settings
	central   *logger.CentralLogger
	cacheFs   afero.Fs
	roundTrip http.RoundTripper
	raw       *http.Client
}

// Option configures an App.
type Option func(*App)

// WithLogger replaces the configured central logger.
func WithLogger(l logger.Logger) Option {
	return func(a *App) { a.Log = l }
}

// WithVault replaces the OS vault rooted at vault.root.
func WithVault(v *vault.Dir) Option {
	return func(a *App) { a.Vault = v }
}

// WithCacheFs replaces the sandboxed OS filesystem of the cache. The store
// then works in the configured cache directory inside fs.
func WithCacheFs(fs afero.Fs) Option {
	return func(a *App) { a.cacheFs = fs }
}

// WithTransport routes every outgoing request through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *App) { a.roundTrip = rt }
}

// New builds the components from settings and initializes the cache.
func New(ctx context.Context, settings *conf.Settings, opts ...Option) (*App, error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}

	a := &App{settings: settings}
	for _, opt := range opts {
		opt(a)
	}

	if a.Log == nil {
		logCfg := settings.Logging
		if settings.Debug {
			logCfg.DefaultLevel = "debug"
			if logCfg.Console != nil {
				console := *logCfg.Console
				console.Level = "debug"
				logCfg.Console = &console
			}
		}
		central, err := logger.NewCentralLogger(&logCfg)
		if err != nil {
			return nil, errors.New(err).
				Component("app").
				Category(errors.CategoryConfiguration).
				Context("operation", "init-logger").
				Build()
		}
		a.central = central
		a.Log = central.Module("imagewall")
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}
	m.CountErrors()
	a.Metrics = m

	if a.Vault == nil {
		v, err := vault.Open(settings.Vault.Root,
			vault.WithLogger(a.Log.Module("vault")),
			vault.WithSkipDirs(skipDirs...))
		if err != nil {
			return nil, err
		}
		a.Vault = v
	}

	dir := settings.CacheDir()
	storeDir := dir
	if a.cacheFs == nil {
		// the store sees the cache directory as its root
		a.cacheFs = afero.NewBasePathFs(afero.NewOsFs(), dir)
		storeDir = "/"
	}
	cacheLog := a.Log.Module("cache")
	a.Cache = imagecache.New(a.cacheFs,
		imagecache.WithLogger(cacheLog),
		imagecache.WithMetrics(m.Cache),
		imagecache.WithDiskGuard(imagecache.NewUsageGuard(dir, settings.Cache.MinFreeMB, cacheLog)),
		imagecache.WithDir(storeDir),
		imagecache.WithMaxAge(settings.Cache.MaxAge()),
		imagecache.WithMaxSize(settings.Cache.MaxSizeBytes()),
		imagecache.WithEnabled(settings.Cache.Enabled),
		imagecache.WithSaveDelays(settings.Cache.IndexSaveDelay, settings.Cache.ReadSaveDelay),
	)
	a.Cache.Init(ctx)

	a.HTTP = httpclient.New(&httpclient.Config{
		DefaultTimeout:    settings.Loader.FetchTimeout,
		UserAgent:         settings.Loader.UserAgent,
		RequestsPerSecond: settings.Loader.RequestsPerSecond,
		Burst:             settings.Loader.Burst,
		Transport:         a.roundTrip,
	})
	a.raw = &http.Client{Transport: a.roundTrip}
	a.Failures = transport.NewFailureCache(settings.Loader.FailureTTL)

	if t := settings.Telemetry; t.Enabled {
		r, err := telemetry.New(telemetry.Config{
			DSN:         t.DSN,
			Environment: t.Environment,
			Release:     "imagewall@" + buildinfo.NewContext("", "").GetVersion(),
			SampleRate:  t.SampleRate,
		}, a.Log.Module("telemetry"))
		if err != nil {
			return nil, err
		}
		errors.AddErrorHook(r.Hook())
		a.Reporter = r
		a.Log.Info("error reporting enabled", logger.String("environment", t.Environment))
	}

	a.Log.Debug("application initialized",
		logger.String("vault", settings.Vault.Root),
		logger.String("cache_dir", dir),
		logger.Bool("cache_enabled", settings.Cache.Enabled))
	return a, nil
}

// Settings returns the current settings.
func (a *App) Settings() *conf.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// NoteImages reads note from the vault and returns its image references.
func (a *App) NoteImages(ctx context.Context, note string) ([]string, error) {
	text, err := a.Vault.ReadText(ctx, note)
	if err != nil {
		return nil, err
	}
	return extract.Images(text), nil
}

// Session is an open gallery together with the handles it owns.
type Session struct {
	*gallery.Gallery
	Note      string
	Resources *resource.Manager
}

// OpenGallery opens a gallery over paths with note as the active document
// for relative link resolution.
func (a *App) OpenGallery(ctx context.Context, note string, paths []string) (*Session, error) {
	settings := a.Settings()
	ls := settings.Loader
	log := a.Log.Module("gallery")

	a.Vault.SetActiveDocument(note)
	resources := resource.NewManager()
	restricted := RestrictedHosts(ls.RestrictedHosts)

	cfg := &transport.Config{
		Renderer:          render.NewHeadless(a.raw, resources, a.Vault, a.Log.Module("render")),
		Resources:         resources,
		Cache:             a.Cache,
		HTTP:              a.raw,
		Vault:             a.Vault,
		Failures:          a.Failures,
		Restricted:        restricted,
		UserAgent:         ls.UserAgent,
		DefaultReferer:    ls.DefaultReferer,
		ResourceDir:       settings.Vault.ResourceDir,
		DirectTimeout:     ls.DirectTimeout,
		FetchTimeout:      ls.FetchTimeout,
		RestrictedTimeout: ls.RestrictedTimeout,
		Logger:            a.Log.Module("transport"),
		Metrics:           a.Metrics.Loader,
	}
	if ls.Mediated {
		cfg.Requester = a.HTTP
	}
	chain, err := transport.NewChain(cfg)
	if err != nil {
		return nil, err
	}

	g, err := gallery.Open(ctx, paths, &gallery.Config{
		Loader:        chain,
		Resources:     resources,
		Failures:      a.Failures,
		Restricted:    restricted,
		MaxConcurrent: ls.MaxConcurrent,
		Retry: retry.Handler{
			MaxAttempts: ls.MaxAttempts,
			BaseDelay:   ls.BaseBackoff,
			MaxDelay:    ls.MaxBackoff,
		},
		WatchdogInterval: ls.WatchdogInterval,
		Logger:           log,
		Metrics:          a.Metrics.Loader,
	})
	if err != nil {
		return nil, err
	}
	log.Info("gallery opened",
		logger.String("note", note),
		logger.Int("images", g.Len()),
		logger.Any("strategies", chain.Strategies()))
	return &Session{Gallery: g, Note: note, Resources: resources}, nil
}

// LoadNote extracts the images of note, opens a gallery over them and
// waits until every slot has loaded or failed. The first visible slots are
// queued at high priority. The caller closes the session.
func (a *App) LoadNote(ctx context.Context, note string, visible int) (*Session, error) {
	paths, err := a.NoteImages(ctx, note)
	if err != nil {
		return nil, err
	}
	s, err := a.OpenGallery(ctx, note, paths)
	if err != nil {
		return nil, err
	}
	s.EnqueueAll(visible)
	if err := s.Wait(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// ApplyCachePolicy applies live cache settings and evicts what no longer
// fits.
func (a *App) ApplyCachePolicy(ctx context.Context, c conf.CacheSettings) imagecache.EvictionResult {
	a.mu.Lock()
	next := *a.settings
	next.Cache = c
	a.settings = &next
	a.mu.Unlock()

	a.Cache.SetEnabled(c.Enabled)
	res := a.Cache.SetMaxAge(ctx, c.MaxAge())
	more := a.Cache.SetMaxSize(ctx, c.MaxSizeBytes())
	res.Expired += more.Expired
	res.Evicted += more.Evicted
	res.FreedBytes += more.FreedBytes

	a.Log.Info("cache policy applied",
		logger.Bool("enabled", c.Enabled),
		logger.Int("max_age_days", c.MaxAgeDays),
		logger.Int("max_size_mb", c.MaxSizeMB),
		logger.Int("evicted", res.Expired+res.Evicted))
	return res
}

// Close flushes the cache index and the log files.
func (a *App) Close() error {
	err := a.Cache.Close()
	a.HTTP.Close()
	a.Failures.Flush()
	if a.Reporter != nil {
		a.Reporter.Flush(2 * time.Second)
	}
	if a.central != nil {
		err = errors.Join(err, a.central.Close())
	}
	return err
}

// RestrictedHosts converts the configured table, falling back to the
// built-in one when it is empty.
func RestrictedHosts(hosts []conf.RestrictedHost) []transport.RestrictedHost {
	if len(hosts) == 0 {
		return transport.DefaultRestrictedHosts()
	}
	out := make([]transport.RestrictedHost, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, transport.RestrictedHost{Suffix: h.Suffix, Referer: h.Referer})
	}
	return out
}
