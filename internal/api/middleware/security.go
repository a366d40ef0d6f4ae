package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SecurityConfig restricts which pages may call the API.
type SecurityConfig struct {
	// AllowedOrigins are the pages allowed to read responses cross-origin.
	// The editor renders notes from its own app:// origin.
	AllowedOrigins []string

	ContentSecurityPolicy string
}

// DefaultSecurityConfig allows the desktop note app and local pages.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AllowedOrigins:        []string{"app://obsidian.md", "http://localhost", "http://127.0.0.1"},
		ContentSecurityPolicy: "default-src 'none'; img-src 'self' data: blob:",
	}
}

// NewCORS lets the allowed origins call the API and read the request id and
// cache validators it returns.
func NewCORS(cfg SecurityConfig) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderXRequestID, "If-None-Match"},
		ExposeHeaders: []string{echo.HeaderXRequestID, "ETag", echo.HeaderLastModified},
		MaxAge:        600,
	})
}

// NewSecureHeaders sets response hardening headers. No HSTS: the API only
// listens on plain HTTP on loopback.
func NewSecureHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	return middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: cfg.ContentSecurityPolicy,
	})
}

// NewBodyLimit rejects request bodies larger than limit, e.g. "64K".
func NewBodyLimit(limit string) echo.MiddlewareFunc {
	return middleware.BodyLimit(limit)
}
