package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/imagewall/internal/app"
	"github.com/tphakala/imagewall/internal/conf"
	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/gallery"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/resource"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// handleError logs err and writes an ErrorResponse. The correlation id is
// the request id.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Message:       message,
		Code:          code,
		CorrelationID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Error = http.StatusText(code)
	}

	log := s.log.Warn
	if code >= http.StatusInternalServerError {
		log = s.log.Error
	}
	log("API error",
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.String("error", resp.Error),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method))

	return c.JSON(code, resp)
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// CacheStats describes the cache state.
type CacheStats struct {
	Enabled      bool   `json:"enabled"`
	Entries      int    `json:"entries"`
	SizeBytes    int64  `json:"sizeBytes"`
	MaxSizeBytes int64  `json:"maxSizeBytes"`
	MaxAgeDays   int    `json:"maxAgeDays"`
	Dir          string `json:"dir"`
}

func (s *Server) cacheStats(c echo.Context) error {
	store := s.app.Cache
	return c.JSON(http.StatusOK, CacheStats{
		Enabled:      store.Enabled(),
		Entries:      store.Len(),
		SizeBytes:    store.Size(),
		MaxSizeBytes: store.MaxSize(),
		MaxAgeDays:   int(store.MaxAge() / (24 * time.Hour)),
		Dir:          s.app.Settings().CacheDir(),
	})
}

func (s *Server) clearCache(c echo.Context) error {
	n := s.app.Cache.Len()
	s.app.Cache.Clear(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"cleared": n})
}

// CachePolicyRequest changes cache settings; absent fields keep their value.
type CachePolicyRequest struct {
	MaxAgeDays *int  `json:"maxAgeDays"`
	MaxSizeMB  *int  `json:"maxSizeMB"`
	Enabled    *bool `json:"enabled"`
}

// CachePolicyResponse reports the applied policy and what it evicted.
type CachePolicyResponse struct {
	Enabled    bool  `json:"enabled"`
	MaxAgeDays int   `json:"maxAgeDays"`
	MaxSizeMB  int   `json:"maxSizeMB"`
	Expired    int   `json:"expired"`
	Evicted    int   `json:"evicted"`
	FreedBytes int64 `json:"freedBytes"`
}

func (s *Server) updateCachePolicy(c echo.Context) error {
	var req CachePolicyRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "Invalid cache policy", http.StatusBadRequest)
	}

	next := *s.app.Settings()
	if req.MaxAgeDays != nil {
		next.Cache.MaxAgeDays = *req.MaxAgeDays
	}
	if req.MaxSizeMB != nil {
		next.Cache.MaxSizeMB = *req.MaxSizeMB
	}
	if req.Enabled != nil {
		next.Cache.Enabled = *req.Enabled
	}
	if err := conf.ValidateSettings(&next); err != nil {
		return s.handleError(c, err, "Invalid cache policy", http.StatusBadRequest)
	}

	res := s.app.ApplyCachePolicy(c.Request().Context(), next.Cache)
	return c.JSON(http.StatusOK, CachePolicyResponse{
		Enabled:    next.Cache.Enabled,
		MaxAgeDays: next.Cache.MaxAgeDays,
		MaxSizeMB:  next.Cache.MaxSizeMB,
		Expired:    res.Expired,
		Evicted:    res.Evicted,
		FreedBytes: res.FreedBytes,
	})
}

func (s *Server) cachedImage(c echo.Context) error {
	src := c.QueryParam("src")
	if src == "" {
		return s.handleError(c, nil, "Missing src parameter", http.StatusBadRequest)
	}
	img, ok := s.app.Cache.Get(c.Request().Context(), src)
	if !ok {
		return s.handleError(c, nil, "Image not cached", http.StatusNotFound)
	}
	if img.ETag != "" {
		c.Response().Header().Set("ETag", img.ETag)
		if c.Request().Header.Get("If-None-Match") == img.ETag {
			return c.NoContent(http.StatusNotModified)
		}
	}
	c.Response().Header().Set("Last-Modified", img.CreatedAt.UTC().Format(http.TimeFormat))
	return c.Blob(http.StatusOK, img.MIMEType, img.Data)
}

func (s *Server) noteImages(c echo.Context) error {
	note := c.QueryParam("note")
	if note == "" {
		return s.handleError(c, nil, "Missing note parameter", http.StatusBadRequest)
	}
	refs, err := s.app.NoteImages(c.Request().Context(), note)
	if err != nil {
		return s.handleError(c, err, "Failed to read note", statusFor(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"note": note, "images": refs})
}

// GalleryResponse is the state of the open gallery.
type GalleryResponse struct {
	Note    string           `json:"note"`
	Summary app.Summary      `json:"summary"`
	Slots   []app.SlotReport `json:"slots"`
}

func (s *Server) openGallery(c echo.Context) error {
	note := c.QueryParam("note")
	if note == "" {
		return s.handleError(c, nil, "Missing note parameter", http.StatusBadRequest)
	}
	visible := s.config.Visible
	if v := c.QueryParam("visible"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s.handleError(c, err, "Invalid visible parameter", http.StatusBadRequest)
		}
		visible = n
	}

	ctx := c.Request().Context()
	paths, err := s.app.NoteImages(ctx, note)
	if err != nil {
		return s.handleError(c, err, "Failed to read note", statusFor(err))
	}

	sess, err := s.replaceSession(note, paths)
	if err != nil {
		return s.handleError(c, err, "Failed to open gallery", statusFor(err))
	}

	sess.EnqueueAll(visible)
	if err := sess.Wait(ctx); err != nil {
		if errors.Is(err, gallery.ErrClosed) {
			return s.handleError(c, err, "Gallery was replaced", http.StatusConflict)
		}
		return s.handleError(c, err, "Gallery did not finish loading", http.StatusServiceUnavailable)
	}
	return c.JSON(http.StatusOK, galleryResponse(sess))
}

func (s *Server) galleryState(c echo.Context) error {
	sess := s.current()
	if sess == nil {
		return s.handleError(c, nil, "No gallery open", http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, galleryResponse(sess))
}

func (s *Server) retrySlot(c echo.Context) error {
	sess := s.current()
	if sess == nil {
		return s.handleError(c, nil, "No gallery open", http.StatusNotFound)
	}
	src := c.QueryParam("src")
	if _, ok := sess.Slot(src); !ok {
		return s.handleError(c, nil, "Unknown image", http.StatusNotFound)
	}
	if !sess.Retry(src) {
		return s.handleError(c, nil, "Image has not failed", http.StatusConflict)
	}
	slot, _ := sess.WaitForLoad(c.Request().Context(), src, 0)
	reports := app.Report([]gallery.Slot{slot})
	rewriteSrc(&reports[0])
	return c.JSON(http.StatusOK, reports[0])
}

func (s *Server) closeGallery(c echo.Context) error {
	if !s.closeSession() {
		return s.handleError(c, nil, "No gallery open", http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) serveBlob(c echo.Context) error {
	sess := s.current()
	if sess == nil {
		return s.handleError(c, nil, "No gallery open", http.StatusNotFound)
	}
	blob, ok := sess.Resources.Lookup(resource.Scheme + c.Param("id"))
	if !ok {
		return s.handleError(c, nil, "Handle revoked or unknown", http.StatusNotFound)
	}
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = mimetype.Detect(blob.Data).String()
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, mimeType, blob.Data)
}

func (s *Server) current() *app.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// replaceSession closes the open gallery and opens one for note. Concurrent
// callers are serialized so every displaced gallery is closed.
func (s *Server) replaceSession(note string, paths []string) (*app.Session, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.closeSession()
	// the gallery outlives the request, its handles are served by /blob
	sess, err := s.app.OpenGallery(s.ctx, note, paths)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	prev := s.session
	s.session = sess
	s.mu.Unlock()
	if prev != nil {
		s.closeGallerySession(prev)
	}
	return sess, nil
}

// closeSession closes the open gallery, if any.
func (s *Server) closeSession() bool {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	s.closeGallerySession(sess)
	return true
}

func (s *Server) closeGallerySession(sess *app.Session) {
	if err := sess.Close(); err != nil {
		s.log.Warn("gallery close timed out", logger.String("note", sess.Note), logger.Error(err))
	}
}

func galleryResponse(sess *app.Session) GalleryResponse {
	reports := app.Report(sess.Slots())
	for i := range reports {
		rewriteSrc(&reports[i])
	}
	return GalleryResponse{Note: sess.Note, Summary: app.Summarize(reports), Slots: reports}
}

// rewriteSrc turns in-process sources into URLs this server answers.
func rewriteSrc(r *app.SlotReport) {
	switch {
	case strings.HasPrefix(r.Src, resource.Scheme):
		r.Src = "/blob/" + strings.TrimPrefix(r.Src, resource.Scheme)
	case strings.HasPrefix(r.Src, "data:"):
		r.Src = "/api/v1/cache/image?src=" + url.QueryEscape(r.Path)
	}
}
