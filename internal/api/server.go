package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/tphakala/imagewall/internal/api/middleware"
	"github.com/tphakala/imagewall/internal/app"
	"github.com/tphakala/imagewall/internal/buildinfo"
	"github.com/tphakala/imagewall/internal/logger"
)

// Server is the imagewall HTTP server. It keeps at most one gallery open;
// opening another closes the previous one and revokes its handles.
type Server struct {
	echo   *echo.Echo
	config *Config
	app    *app.App
	build  *buildinfo.Context
	log    logger.Logger

	// openMu serializes replacing the gallery; mu guards reads of session.
	openMu  sync.Mutex
	mu      sync.Mutex
	session *app.Session

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithConfig replaces the configuration derived from settings.
func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) { s.config = cfg }
}

// WithBuildInfo sets the version reported by /health.
func WithBuildInfo(b *buildinfo.Context) ServerOption {
	return func(s *Server) { s.build = b }
}

// New creates a server over a.
func New(a *app.App, opts ...ServerOption) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: ConfigFromSettings(a.Settings()),
		app:    a,
		log:    a.Log.Module("api"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if s.build == nil {
		s.build = buildinfo.NewContext("", "")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	s.echo.Server.IdleTimeout = s.config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", s.config.Listen),
		logger.Bool("debug", s.config.Debug))
	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestID())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		// blob and metrics fetches are too chatty for the request log
		p := c.Path()
		return p == "/blob/:id" || p == "/metrics"
	}))

	security := mw.DefaultSecurityConfig()
	if len(s.config.AllowedOrigins) > 0 {
		security.AllowedOrigins = s.config.AllowedOrigins
	}
	s.echo.Use(mw.NewCORS(security))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders(security))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/blob/:id", s.serveBlob)
	s.echo.GET("/metrics", echo.WrapHandler(s.app.Metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/cache", s.cacheStats)
	v1.DELETE("/cache", s.clearCache)
	v1.PUT("/cache/policy", s.updateCachePolicy)
	v1.GET("/cache/image", s.cachedImage)
	v1.GET("/images", s.noteImages)
	v1.POST("/gallery", s.openGallery)
	v1.GET("/gallery", s.galleryState)
	v1.POST("/gallery/retry", s.retrySlot)
	v1.DELETE("/gallery", s.closeGallery)
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := s.build.Uptime()

	s.mu.Lock()
	open := s.session != nil
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.build.GetVersion(),
		"build_date":     s.build.GetBuildDate(),
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"cache_entries":  s.app.Cache.Len(),
		"gallery_open":   open,
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start begins serving HTTP requests in a background goroutine and returns
// immediately. Use Shutdown to stop the server.
func (s *Server) Start() {
	s.wg.Go(func() {
		if err := s.startBlocking(); err != nil {
			s.log.Error("server error", logger.Error(err))
		}
	})
	s.log.Info("HTTP server starting", logger.String("address", s.config.Listen))
}

func (s *Server) startBlocking() error {
	if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithGracefulShutdown starts the server and shuts it down on SIGINT
// or SIGTERM, or when ctx is done.
func (s *Server) StartWithGracefulShutdown(ctx context.Context) error {
	s.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
		s.log.Info("shutdown signal received, initiating graceful shutdown")
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown closes the open gallery and stops the server.
func (s *Server) Shutdown() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.wg.Wait()

	s.openMu.Lock()
	s.closeSession()
	s.openMu.Unlock()
	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
