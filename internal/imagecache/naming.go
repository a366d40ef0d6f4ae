package imagecache

import (
	"encoding/base64"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gabriel-vasile/mimetype"
)

// MaxItemSize is the largest payload written to disk.
const MaxItemSize = 20 * 1024 * 1024

const defaultExt = "dat"

var (
	staticMIMETypes = map[string]bool{
		"image/jpeg":    true,
		"image/png":     true,
		"image/webp":    true,
		"image/bmp":     true,
		"image/tiff":    true,
		"image/svg+xml": true,
	}
	staticExtensions = map[string]bool{
		"jpg": true, "jpeg": true, "png": true, "webp": true,
		"bmp": true, "tiff": true, "tif": true, "svg": true,
	}
	// formats accepted from a format= query parameter
	queryFormats = map[string]bool{"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true}

	alnum       = regexp.MustCompile(`^[a-z0-9]+$`)
	formatParam = regexp.MustCompile(`(?i)format=([a-z]+)`)
)

// blobName maps a source identifier to its file name in the cache directory.
func blobName(sourceID string) string {
	return strconv.FormatUint(xxhash.Sum64String(sourceID), 16) + "." + extensionOf(sourceID)
}

// extensionOf derives a lowercase file extension from a URL. The path
// extension wins; URLs without one may carry format=jpg style parameters
// (pbs.twimg.com does). Returns "dat" when nothing usable is found.
func extensionOf(raw string) string {
	if ext := pathExtension(raw); ext != "" {
		return ext
	}
	if m := formatParam.FindStringSubmatch(raw); m != nil {
		f := strings.ToLower(m[1])
		if queryFormats[f] {
			if f == "jpg" {
				return "jpeg"
			}
			return f
		}
	}
	return defaultExt
}

func pathExtension(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	} else {
		p, _, _ = strings.Cut(p, "?")
		p, _, _ = strings.Cut(p, "#")
	}
	base := path.Base(p)
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return ""
	}
	ext := strings.ToLower(base[dot+1:])
	if !alnum.MatchString(ext) {
		return ""
	}
	return ext
}

// normalizeMIME strips parameters and lowercases a media type.
func normalizeMIME(mt string) string {
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// isStaticImage decides whether a payload may be cached. An explicit media
// type is authoritative; otherwise the URL extension is checked and, failing
// that, the content is sniffed.
func isStaticImage(sourceID, mimeType string, data []byte) bool {
	if mimeType != "" {
		return staticMIMETypes[mimeType]
	}
	if staticExtensions[pathExtension(sourceID)] {
		return true
	}
	return staticMIMETypes[normalizeMIME(mimetype.Detect(data).String())]
}

// detectMIME returns mimeType or, when empty, the sniffed type of data.
func detectMIME(mimeType string, data []byte) string {
	if mimeType != "" {
		return mimeType
	}
	return normalizeMIME(mimetype.Detect(data).String())
}

// DataURI encodes data as a base64 data URI.
func DataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
