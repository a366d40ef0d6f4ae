package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagewall/internal/logger"
)

func newEcho() *echo.Echo {
	e := echo.New()
	cfg := DefaultSecurityConfig()
	e.Use(NewRequestID())
	e.Use(NewRequestLogger(logger.NewNopLogger()))
	e.Use(NewCORS(cfg))
	e.Use(NewBodyLimit("16B"))
	e.Use(NewSecureHeaders(cfg))
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.PUT("/ok", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	return e
}

func TestCORSAllowsEditorOrigin(t *testing.T) {
	t.Parallel()

	e := newEcho()
	for origin, allowed := range map[string]bool{
		"app://obsidian.md":    true,
		"http://localhost":     true,
		"https://evil.example": false,
	} {
		req := httptest.NewRequest(http.MethodOptions, "/ok", http.NoBody)
		req.Header.Set(echo.HeaderOrigin, origin)
		req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodGet)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin)
		if allowed {
			assert.Equal(t, origin, got, origin)
		} else {
			assert.Empty(t, got, origin)
		}
	}
}

func TestRequestIDAndSecureHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newEcho().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := uuid.Parse(rec.Header().Get(echo.HeaderXRequestID))
	require.NoError(t, err)
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
	assert.Equal(t, "DENY", rec.Header().Get(echo.HeaderXFrameOptions))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentSecurityPolicy), "img-src")
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPut, "/ok", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	newEcho().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
