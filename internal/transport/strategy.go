package transport

import (
	"context"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/httpclient"
	"github.com/tphakala/imagewall/internal/imagecache"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/render"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/vault"
)

// Strategy names, also used as metric labels.
const (
	StrategyCache      = "cache"
	StrategyDirect     = "direct"
	StrategyMediated   = "mediated"
	StrategyRawFetch   = "raw_fetch"
	StrategyLocal      = "local"
	StrategyLastResort = "last_resort"
)

// Default per-strategy timeouts.
const (
	DefaultDirectTimeout     = 5 * time.Second
	DefaultFetchTimeout      = 10 * time.Second
	DefaultRestrictedTimeout = 1500 * time.Millisecond

	maxRawBody = httpclient.MaxBodySize
)

// Outcome describes a successful load.
type Outcome struct {
	Strategy string
	Src      string // what was assigned to the renderer
	Handle   string // resource key when Src is a transient handle
	Width    int
	Height   int
	Cached   bool // served from the cache store

	// Data is set when the bytes are readable and may be written back.
	Data     []byte
	MIMEType string
	ETag     string
}

// Strategy is one step of the fallback chain.
type Strategy interface {
	Name() string
	Applies(src Source) bool
	Attempt(ctx context.Context, src Source) (*Outcome, error)
}

// Cache is the subset of the cache store the chain needs.
type Cache interface {
	Enabled() bool
	Get(ctx context.Context, sourceID string) (*imagecache.CachedImage, bool)
	Put(ctx context.Context, sourceID string, data []byte, etag, mimeType string) string
}

// Requester is the mediated request facility.
type Requester interface {
	Fetch(ctx context.Context, url string, header http.Header) (*httpclient.Payload, error)
}

// Doer executes raw HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func strategyError(name string, err error, src Source) error {
	if err == nil {
		return nil
	}
	return errors.New(err).
		Component("transport").
		Category(errors.CategoryImageFetch).
		Context("strategy", name).
		Context("source", logger.RedactURL(src.Path)).
		Build()
}

// CacheStrategy serves remote sources from the cache store.
type CacheStrategy struct {
	Cache    Cache
	Renderer render.Renderer
	Timeout  time.Duration
}

func (s *CacheStrategy) Name() string { return StrategyCache }

func (s *CacheStrategy) Applies(src Source) bool {
	return src.Kind.Remote() && s.Cache != nil && s.Cache.Enabled()
}

func (s *CacheStrategy) Attempt(ctx context.Context, src Source) (*Outcome, error) {
	cached, ok := s.Cache.Get(ctx, src.Path)
	if !ok {
		return nil, errors.Newf("cache miss").
			Component("transport").
			Category(errors.CategoryNotFound).
			Context("strategy", StrategyCache).
			Build()
	}
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	img, err := s.Renderer.Load(ctx, cached.DataURI, render.Options{})
	if err != nil {
		return nil, strategyError(StrategyCache, err, src)
	}
	return &Outcome{
		Src:      cached.DataURI,
		Width:    img.Width,
		Height:   img.Height,
		Cached:   true,
		MIMEType: cached.MIMEType,
		ETag:     cached.ETag,
	}, nil
}

// DirectStrategy assigns the URL to the renderer with cross-origin access
// requested. Restricted hosts are skipped: they reject the bare request.
type DirectStrategy struct {
	Renderer render.Renderer
	Timeout  time.Duration
}

func (s *DirectStrategy) Name() string { return StrategyDirect }

func (s *DirectStrategy) Applies(src Source) bool { return src.Kind == KindRemote }

func (s *DirectStrategy) Attempt(ctx context.Context, src Source) (*Outcome, error) {
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	img, err := s.Renderer.Load(ctx, src.Path, render.Options{CrossOrigin: true})
	if err != nil {
		return nil, strategyError(StrategyDirect, err, src)
	}
	return &Outcome{
		Src:      src.Path,
		Width:    img.Width,
		Height:   img.Height,
		Data:     img.Data,
		MIMEType: img.MIMEType,
	}, nil
}

// assignHandle turns bytes into a transient handle and loads it. The handle
// is revoked again when the renderer rejects it.
func assignHandle(ctx context.Context, r render.Renderer, resources *resource.Manager, key string, blob resource.Blob) (*Outcome, error) {
	h := resources.Create(key, blob)
	img, err := r.Load(ctx, h.URL, render.Options{})
	if err != nil {
		resources.Revoke(key)
		return nil, err
	}
	return &Outcome{
		Src:      h.URL,
		Handle:   key,
		Width:    img.Width,
		Height:   img.Height,
		Data:     blob.Data,
		MIMEType: img.MIMEType,
	}, nil
}

// MediatedStrategy fetches through the request facility with a browser user
// agent and an origin-appropriate referer. Concurrent fetches of one URL
// share a single request.
type MediatedStrategy struct {
	Requester      Requester
	Renderer       render.Renderer
	Resources      *resource.Manager
	UserAgent      string
	DefaultReferer string
	Timeout        time.Duration

	group singleflight.Group
}

func (s *MediatedStrategy) Name() string { return StrategyMediated }

func (s *MediatedStrategy) Applies(src Source) bool {
	return src.Kind.Remote() && s.Requester != nil
}

func (s *MediatedStrategy) fetch(ctx context.Context, src Source) (*httpclient.Payload, error) {
	header := http.Header{}
	header.Set("Accept", httpclient.DefaultAccept)
	header.Set("Cache-Control", "no-cache")
	if s.UserAgent != "" {
		header.Set("User-Agent", s.UserAgent)
	}
	referer := src.Referer
	if referer == "" {
		referer = s.DefaultReferer
	}
	if referer != "" {
		header.Set("Referer", referer)
	}

	v, err, _ := s.group.Do(src.Path, func() (any, error) {
		ctx, cancel := withTimeout(ctx, s.Timeout)
		defer cancel()
		return s.Requester.Fetch(ctx, src.Path, header)
	})
	if err != nil {
		return nil, err
	}
	return v.(*httpclient.Payload), nil
}

func (s *MediatedStrategy) Attempt(ctx context.Context, src Source) (*Outcome, error) {
	payload, err := s.fetch(ctx, src)
	if err != nil {
		return nil, strategyError(StrategyMediated, err, src)
	}
	out, err := assignHandle(ctx, s.Renderer, s.Resources, src.Path, resource.Blob{Data: payload.Data, MIMEType: payload.MIMEType})
	if err != nil {
		return nil, strategyError(StrategyMediated, err, src)
	}
	if payload.MIMEType != "" {
		out.MIMEType = payload.MIMEType
	}
	out.ETag = payload.ETag
	return out, nil
}

// RawFetchStrategy issues a plain GET with custom headers, bypassing the
// request facility's rate limit. Restricted hosts get a short timeout.
type RawFetchStrategy struct {
	Client            Doer
	Renderer          render.Renderer
	Resources         *resource.Manager
	UserAgent         string
	DefaultReferer    string
	Timeout           time.Duration
	RestrictedTimeout time.Duration
}

func (s *RawFetchStrategy) Name() string { return StrategyRawFetch }

func (s *RawFetchStrategy) Applies(src Source) bool {
	return src.Kind.Remote() && s.Client != nil
}

func (s *RawFetchStrategy) Attempt(ctx context.Context, src Source) (*Outcome, error) {
	timeout := s.Timeout
	if src.Kind == KindRemoteRestricted && s.RestrictedTimeout > 0 {
		timeout = s.RestrictedTimeout
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	data, mt, etag, err := s.get(ctx, src)
	if err != nil {
		return nil, strategyError(StrategyRawFetch, err, src)
	}
	out, err := assignHandle(ctx, s.Renderer, s.Resources, src.Path, resource.Blob{Data: data, MIMEType: mt})
	if err != nil {
		return nil, strategyError(StrategyRawFetch, err, src)
	}
	out.ETag = etag
	return out, nil
}

func (s *RawFetchStrategy) get(ctx context.Context, src Source) (data []byte, mimeType, etag string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Path, http.NoBody)
	if err != nil {
		return nil, "", "", err
	}
	ua := s.UserAgent
	if ua == "" {
		ua = httpclient.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	referer := src.Referer
	if referer == "" {
		referer = s.DefaultReferer
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", "", errors.Newf("unexpected status %d", resp.StatusCode).
			Component("transport").
			Category(errors.CategoryHTTP).
			Context("status", resp.StatusCode).
			Build()
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, maxRawBody))
	if err != nil {
		return nil, "", "", err
	}

	mimeType = resp.Header.Get("Content-Type")
	if parsed, _, perr := mime.ParseMediaType(mimeType); perr == nil {
		mimeType = parsed
	} else {
		mimeType = mimetype.Detect(data).String()
	}
	return data, mimeType, resp.Header.Get("ETag"), nil
}

// LocalStrategy resolves a local reference through the vault's link
// resolution and loads its bytes as a transient handle.
type LocalStrategy struct {
	Vault     vault.Vault
	Renderer  render.Renderer
	Resources *resource.Manager
}

func (s *LocalStrategy) Name() string { return StrategyLocal }

func (s *LocalStrategy) Applies(src Source) bool {
	return src.Kind == KindLocal && s.Vault != nil
}

func (s *LocalStrategy) Attempt(ctx context.Context, src Source) (*Outcome, error) {
	resolved, ok := s.Vault.ResolveLink(src.Path, s.Vault.ActiveDocument())
	if !ok {
		return nil, errors.Newf("link does not resolve").
			Component("transport").
			Category(errors.CategoryNotFound).
			Context("strategy", StrategyLocal).
			Context("source", src.Path).
			Build()
	}
	out, err := loadVaultFile(ctx, s.Vault, s.Renderer, s.Resources, src.Path, resolved)
	if err != nil {
		return nil, strategyError(StrategyLocal, err, src)
	}
	return out, nil
}

// loadVaultFile reads p into a handle keyed by key.
func loadVaultFile(ctx context.Context, v vault.Vault, r render.Renderer, resources *resource.Manager, key, p string) (*Outcome, error) {
	data, err := v.ReadBinary(ctx, p)
	if err != nil {
		return nil, err
	}
	return assignHandle(ctx, r, resources, key, resource.Blob{Data: data})
}

// LastResortStrategy tries alternate local paths, or assigns a remote URL
// with cross-origin access requested and accepts unreadable bytes.
type LastResortStrategy struct {
	Vault       vault.Vault
	Renderer    render.Renderer
	Resources   *resource.Manager
	ResourceDir string
	Log         logger.Logger
}

func (s *LastResortStrategy) Name() string { return StrategyLastResort }

func (s *LastResortStrategy) Applies(src Source) bool {
	return src.Kind.Remote() || s.Vault != nil
}

func (s *LastResortStrategy) Attempt(ctx context.Context, src Source) (*Outcome, error) {
	if src.Kind.Remote() {
		img, err := s.Renderer.Load(ctx, src.Path, render.Options{CrossOrigin: true, Referer: src.Referer})
		if err != nil {
			return nil, strategyError(StrategyLastResort, err, src)
		}
		return &Outcome{
			Src:      src.Path,
			Width:    img.Width,
			Height:   img.Height,
			Data:     img.Data,
			MIMEType: img.MIMEType,
		}, nil
	}

	candidates := AlternatePaths(src.Path, s.Vault.ActiveDocument(), s.ResourceDir, s.Vault.Files())
	var lastErr error
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.Vault.Exists(p) {
			continue
		}
		out, err := loadVaultFile(ctx, s.Vault, s.Renderer, s.Resources, src.Path, p)
		if err == nil {
			return out, nil
		}
		// the renderer may still load what a binary read could not
		url := s.Vault.ResourceURL(p)
		if img, rerr := s.Renderer.Load(ctx, url, render.Options{}); rerr == nil {
			return &Outcome{Src: url, Width: img.Width, Height: img.Height, MIMEType: img.MIMEType}, nil
		}
		if s.Log != nil {
			s.Log.Debug("alternate path failed", logger.String("path", p), logger.Error(err))
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Newf("no alternate path exists").
			Component("transport").
			Category(errors.CategoryNotFound).
			Context("candidates", len(candidates)).
			Build()
	}
	return nil, strategyError(StrategyLastResort, lastErr, src)
}
