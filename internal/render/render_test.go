package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/vault"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLoadDataURI(t *testing.T) {
	t.Parallel()

	data := encodePNG(t, 40, 30)
	r := NewHeadless(nil, nil, nil, nil)

	img, err := r.Load(context.Background(), "data:image/png;base64,"+base64.StdEncoding.EncodeToString(data), Options{})
	require.NoError(t, err)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 30, img.Height)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.True(t, img.Readable())
	assert.Equal(t, data, img.Data)
}

func TestLoadBlobHandle(t *testing.T) {
	t.Parallel()

	mgr := resource.NewManager()
	h := mgr.Create("pics/a.png", resource.Blob{Data: encodePNG(t, 8, 16), MIMEType: "image/png"})
	r := NewHeadless(nil, mgr, nil, nil)

	img, err := r.Load(context.Background(), h.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 16, img.Height)

	mgr.Revoke("pics/a.png")
	_, err = r.Load(context.Background(), h.URL, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLoadVaultResource(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/pics", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/pics/a.png", encodePNG(t, 5, 5), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/pics/a.txt", []byte("hello there"), 0o644))
	v := vault.NewDir(fs)
	r := NewHeadless(nil, nil, v, nil)

	img, err := r.Load(context.Background(), v.ResourceURL("pics/a.png"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, img.Width)

	_, err = r.Load(context.Background(), v.ResourceURL("pics/a.txt"), Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}

func TestLoadRemoteCrossOrigin(t *testing.T) {
	t.Parallel()

	data := encodePNG(t, 12, 6)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors.png" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	r := NewHeadless(srv.Client(), nil, nil, nil)
	ctx := context.Background()

	img, err := r.Load(ctx, srv.URL+"/cors.png", Options{CrossOrigin: true})
	require.NoError(t, err)
	assert.True(t, img.Readable(), "granted cross-origin access")
	assert.Equal(t, 12, img.Width)

	img, err = r.Load(ctx, srv.URL+"/plain.png", Options{CrossOrigin: true})
	require.NoError(t, err)
	assert.False(t, img.Readable(), "no grant means tainted bytes")
	assert.Equal(t, 6, img.Height)

	img, err = r.Load(ctx, srv.URL+"/cors.png", Options{})
	require.NoError(t, err)
	assert.False(t, img.Readable(), "crossorigin not requested")
}

func TestLoadRemoteErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("<html><body>blocked</body></html>"))
		}
	}))
	defer srv.Close()

	r := NewHeadless(srv.Client(), nil, nil, nil)

	_, err := r.Load(context.Background(), srv.URL+"/missing.png", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))

	_, err = r.Load(context.Background(), srv.URL+"/hotlink.png", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}

func TestLoadUnsupportedAndCancelled(t *testing.T) {
	t.Parallel()

	r := NewHeadless(nil, nil, nil, nil)
	_, err := r.Load(context.Background(), "ftp://example.com/a.png", Options{})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Load(ctx, "data:image/png;base64,AAAA", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeSVGWithoutDimensions(t *testing.T) {
	t.Parallel()

	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"></svg>`)
	img, err := decode(svg, "image/svg+xml")
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", img.MIMEType)
	assert.Zero(t, img.Width)
}
