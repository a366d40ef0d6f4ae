package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/observability/metrics"
	"github.com/tphakala/imagewall/internal/render"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/vault"
)

// Config wires the default chain. Renderer and Resources are required;
// every other collaborator is optional and its strategy is left out when
// absent.
type Config struct {
	Renderer  render.Renderer
	Resources *resource.Manager
	Cache     Cache
	Requester Requester // nil drops the mediated fetch
	HTTP      Doer      // raw fetch client, nil uses a plain http.Client
	Vault     vault.Vault
	Failures  *FailureCache

	Restricted        []RestrictedHost
	UserAgent         string
	DefaultReferer    string
	ResourceDir       string
	DirectTimeout     time.Duration
	FetchTimeout      time.Duration
	RestrictedTimeout time.Duration

	Logger  logger.Logger
	Metrics *metrics.LoaderMetrics
}

// Chain runs strategies in order until one succeeds and writes readable
// remote bytes back to the cache in the background.
type Chain struct {
	strategies []Strategy
	cache      Cache
	failures   *FailureCache
	restricted []RestrictedHost
	log        logger.Logger
	metrics    *metrics.LoaderMetrics

	writeBacks sync.WaitGroup
}

// NewChain builds the default strategy order from cfg.
func NewChain(cfg *Config) (*Chain, error) {
	if cfg == nil || cfg.Renderer == nil || cfg.Resources == nil {
		return nil, errors.Newf("transport chain needs a renderer and a resource manager").
			Component("transport").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultDirectTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.RestrictedTimeout <= 0 {
		cfg.RestrictedTimeout = DefaultRestrictedTimeout
	}
	if cfg.Restricted == nil {
		cfg.Restricted = DefaultRestrictedHosts()
	}
	raw := cfg.HTTP
	if raw == nil {
		raw = &http.Client{}
	}

	var strategies []Strategy
	if cfg.Cache != nil {
		strategies = append(strategies, &CacheStrategy{Cache: cfg.Cache, Renderer: cfg.Renderer, Timeout: cfg.DirectTimeout})
	}
	strategies = append(strategies, &DirectStrategy{Renderer: cfg.Renderer, Timeout: cfg.DirectTimeout})
	if cfg.Requester != nil {
		strategies = append(strategies, &MediatedStrategy{
			Requester:      cfg.Requester,
			Renderer:       cfg.Renderer,
			Resources:      cfg.Resources,
			UserAgent:      cfg.UserAgent,
			DefaultReferer: cfg.DefaultReferer,
			Timeout:        cfg.FetchTimeout,
		})
	}
	strategies = append(strategies, &RawFetchStrategy{
		Client:            raw,
		Renderer:          cfg.Renderer,
		Resources:         cfg.Resources,
		UserAgent:         cfg.UserAgent,
		DefaultReferer:    cfg.DefaultReferer,
		Timeout:           cfg.FetchTimeout,
		RestrictedTimeout: cfg.RestrictedTimeout,
	})
	if cfg.Vault != nil {
		strategies = append(strategies, &LocalStrategy{Vault: cfg.Vault, Renderer: cfg.Renderer, Resources: cfg.Resources})
	}
	strategies = append(strategies, &LastResortStrategy{
		Vault:       cfg.Vault,
		Renderer:    cfg.Renderer,
		Resources:   cfg.Resources,
		ResourceDir: cfg.ResourceDir,
		Log:         cfg.Logger,
	})

	c := New(strategies...)
	c.cache = cfg.Cache
	c.failures = cfg.Failures
	c.restricted = cfg.Restricted
	if cfg.Logger != nil {
		c.log = cfg.Logger
	}
	c.metrics = cfg.Metrics
	return c, nil
}

// New returns a chain over the given strategies without cache write-back.
func New(strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		restricted: DefaultRestrictedHosts(),
		log:        logger.NewNopLogger(),
	}
}

// Strategies returns the strategy names in order.
func (c *Chain) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Classify classifies path with the chain's restricted host table.
func (c *Chain) Classify(path string) Source {
	return Classify(path, c.restricted)
}

// Failures returns the negative cache, nil when none is wired.
func (c *Chain) Failures() *FailureCache {
	return c.failures
}

// Load runs the chain for path. Strategy failures are logged and fall
// through; only when every applicable strategy failed is an error returned.
func (c *Chain) Load(ctx context.Context, path string) (*Outcome, error) {
	src := c.Classify(path)
	log := c.log.With(logger.URL("source", path), logger.String("kind", src.Kind.String()))

	var lastErr error
	tried := 0
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.Applies(src) {
			continue
		}
		tried++
		start := time.Now()
		out, err := s.Attempt(ctx, src)
		c.metrics.StrategyAttempt(s.Name(), err)
		if err != nil {
			log.Debug("strategy failed, trying next",
				logger.String("strategy", s.Name()),
				logger.Duration("elapsed", time.Since(start)),
				logger.Error(err))
			lastErr = err
			continue
		}
		out.Strategy = s.Name()
		log.Debug("image loaded", logger.String("strategy", s.Name()), logger.Duration("elapsed", time.Since(start)))
		c.writeBack(ctx, src, out)
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := errors.Newf("all %d strategies failed", tried)
	if lastErr != nil {
		b = errors.New(lastErr)
	}
	return nil, b.Component("transport").
		Category(errors.CategoryImageFetch).
		Context("source", logger.RedactURL(path)).
		Context("strategies_tried", tried).
		Build()
}

// writeBack persists readable remote bytes without blocking the caller. It
// survives cancellation of ctx; Wait blocks until pending writes finish.
func (c *Chain) writeBack(ctx context.Context, src Source, out *Outcome) {
	if c.cache == nil || out.Cached || out.Data == nil || !src.Kind.Remote() || !c.cache.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	data, etag, mt := out.Data, out.ETag, out.MIMEType
	c.writeBacks.Go(func() {
		c.cache.Put(ctx, src.Path, data, etag, mt)
	})
}

// Wait blocks until background write-backs are done.
func (c *Chain) Wait() {
	c.writeBacks.Wait()
}
