// Package render turns an image source string into decoded image metadata,
// standing in for the host's image element.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/resource"
	"github.com/tphakala/imagewall/internal/vault"
)

// maxRemoteBody caps bytes read from a remote source.
const maxRemoteBody = 50 * 1024 * 1024

// Options mirror the attributes set on an image element before assigning
// its source.
type Options struct {
	CrossOrigin bool
	Referer     string
	UserAgent   string
}

// Image is a decoded source. Data is nil when the bytes are tainted, i.e. a
// remote response loaded without a cross-origin grant.
type Image struct {
	Width    int
	Height   int
	MIMEType string
	Data     []byte
}

// Readable reports whether the image bytes can be read back.
func (i *Image) Readable() bool {
	return i != nil && i.Data != nil
}

// Renderer loads and decodes an image source. Load must return once ctx is
// done.
type Renderer interface {
	Load(ctx context.Context, src string, opts Options) (*Image, error)
}

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Headless decodes data:, blob:, vault:// and http(s) sources without a
// display.
type Headless struct {
	http      HTTPDoer
	resources *resource.Manager
	vault     vault.Vault
	log       logger.Logger
}

// NewHeadless returns a renderer. resources and v may be nil, in which case
// blob: and vault:// sources fail to load.
func NewHeadless(client HTTPDoer, resources *resource.Manager, v vault.Vault, log logger.Logger) *Headless {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Headless{http: client, resources: resources, vault: v, log: log}
}

// Load resolves src and decodes it.
func (h *Headless) Load(ctx context.Context, src string, opts Options) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		data     []byte
		declared string
		readable = true
		err      error
	)
	switch {
	case strings.HasPrefix(src, "data:"):
		data, declared, err = decodeDataURI(src)
	case strings.HasPrefix(src, resource.Scheme):
		data, declared, err = h.loadBlob(src)
	case strings.HasPrefix(src, vault.ResourceScheme):
		data, err = h.loadVault(ctx, src)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		data, declared, readable, err = h.loadRemote(ctx, src, opts)
	default:
		err = errors.Newf("unsupported image source scheme").
			Component("render").
			Category(errors.CategoryValidation).
			Build()
	}
	if err != nil {
		return nil, err
	}

	img, err := decode(data, declared)
	if err != nil {
		h.log.Debug("image decode failed", logger.URL("src", truncate(src)), logger.Error(err))
		return nil, err
	}
	if readable {
		img.Data = data
	}
	return img, nil
}

func (h *Headless) loadBlob(src string) ([]byte, string, error) {
	if h.resources == nil {
		return nil, "", errors.Newf("no resource manager").Component("render").Category(errors.CategoryState).Build()
	}
	blob, ok := h.resources.Lookup(src)
	if !ok {
		return nil, "", errors.Newf("handle %s revoked or unknown", src).
			Component("render").
			Category(errors.CategoryNotFound).
			Build()
	}
	return blob.Data, blob.MIMEType, nil
}

func (h *Headless) loadVault(ctx context.Context, src string) ([]byte, error) {
	if h.vault == nil {
		return nil, errors.Newf("no vault").Component("render").Category(errors.CategoryState).Build()
	}
	p, _ := vault.ResourcePath(src)
	return h.vault.ReadBinary(ctx, p)
}

func (h *Headless) loadRemote(ctx context.Context, src string, opts Options) ([]byte, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, http.NoBody)
	if err != nil {
		return nil, "", false, errors.New(err).Component("render").Category(errors.CategoryValidation).Build()
	}
	req.Header.Set("Accept", "image/*")
	if opts.Referer != "" {
		req.Header.Set("Referer", opts.Referer)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	if opts.CrossOrigin {
		req.Header.Set("Origin", "app://imagewall")
	}

	resp, err := h.http.Do(req)
	if err != nil {
		cat := errors.CategoryNetwork
		if ctx.Err() != nil {
			cat = errors.CategoryTimeout
		}
		return nil, "", false, errors.New(err).
			Component("render").
			Category(cat).
			Context("url", logger.RedactURL(src)).
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", false, errors.Newf("unexpected status %d", resp.StatusCode).
			Component("render").
			Category(errors.CategoryHTTP).
			Context("url", logger.RedactURL(src)).
			Build()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, "", false, errors.New(err).Component("render").Category(errors.CategoryNetwork).Build()
	}

	readable := opts.CrossOrigin && resp.Header.Get("Access-Control-Allow-Origin") != ""
	return data, resp.Header.Get("Content-Type"), readable, nil
}

// decodeDataURI parses data:<type>[;base64],<payload>.
func decodeDataURI(src string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return nil, "", errors.Newf("malformed data URI").Component("render").Category(errors.CategoryImageDecode).Build()
	}
	mt, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", errors.New(err).Component("render").Category(errors.CategoryImageDecode).Build()
		}
		return []byte(text), mt, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.New(err).Component("render").Category(errors.CategoryImageDecode).Build()
	}
	return data, mt, nil
}

// decode checks data is an image and reads its dimensions. Formats without
// a registered decoder (webp, svg, bmp, tiff) are accepted on their sniffed
// type with unknown dimensions.
func decode(data []byte, declared string) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.Newf("empty image").Component("render").Category(errors.CategoryImageDecode).Build()
	}

	sniffed := mimetype.Detect(data)
	mt := sniffed.String()
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if !strings.HasPrefix(mt, "image/") {
		if d, _, err := mime.ParseMediaType(declared); err == nil && d == "image/svg+xml" && sniffed.Is("text/xml") {
			mt = d
		} else {
			return nil, errors.Newf("not an image: %s", mt).
				Component("render").
				Category(errors.CategoryImageDecode).
				Build()
		}
	}

	img := &Image{MIMEType: mt}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.Width, img.Height = cfg.Width, cfg.Height
	} else if mt == "image/png" || mt == "image/jpeg" || mt == "image/gif" {
		return nil, errors.New(err).Component("render").Category(errors.CategoryImageDecode).Build()
	}
	return img, nil
}

func truncate(src string) string {
	if len(src) > 96 {
		return src[:96] + "..."
	}
	return src
}
