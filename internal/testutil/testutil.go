// Package testutil provides shared fixtures for package tests that wire
// several imagewall components together.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagewall/internal/conf"
	"github.com/tphakala/imagewall/internal/vault"
)

// Common test timeout constants.
const (
	DefaultTestTimeout = 5 * time.Second
	ShortTestTimeout   = 1 * time.Second
)

// WaitForChannel waits for a signal on ch or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// PNG encodes a w x h image.
func PNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 180, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// ImageResponder serves data as image/png, optionally allowing
// cross-origin reads.
func ImageResponder(data []byte, cors bool) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(http.StatusOK, data)
		resp.Header.Set("Content-Type", "image/png")
		if cors {
			resp.Header.Set("Access-Control-Allow-Origin", "*")
		}
		return resp, nil
	}
}

// MemVault returns a vault over an in-memory filesystem holding files.
func MemVault(t *testing.T, files map[string][]byte) *vault.Dir {
	t.Helper()
	fs := afero.NewMemMapFs()
	for p, data := range files {
		require.NoError(t, afero.WriteFile(fs, "/"+p, data, 0o644))
	}
	return vault.NewDir(fs)
}

// Settings returns validated defaults tuned for tests: cache under /cache,
// no disk guard, no rate limit, millisecond backoff and index saves that
// only happen on Flush.
func Settings(t *testing.T) *conf.Settings {
	t.Helper()
	s, err := conf.Unmarshal(conf.New())
	require.NoError(t, err)
	s.Cache.Dir = "/cache"
	s.Cache.MinFreeMB = 0
	s.Cache.IndexSaveDelay = time.Hour
	s.Cache.ReadSaveDelay = time.Hour
	s.Loader.BaseBackoff = time.Millisecond
	s.Loader.MaxBackoff = 2 * time.Millisecond
	s.Loader.RequestsPerSecond = 0
	s.Loader.WatchdogInterval = 50 * time.Millisecond
	return s
}
