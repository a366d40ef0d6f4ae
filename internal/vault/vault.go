// Package vault gives the image pipeline read access to a directory of notes
// and attachments.
package vault

import (
	"context"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
)

// ResourceScheme prefixes resource URLs produced by ResourceURL.
const ResourceScheme = "vault://"

// ErrInvalidPath is returned for paths escaping the vault root.
var ErrInvalidPath = errors.NewStd("invalid vault path")

// Vault is the host filesystem as seen by the image pipeline. Paths are
// vault-relative with forward slashes.
type Vault interface {
	ReadText(ctx context.Context, p string) (string, error)
	ReadBinary(ctx context.Context, p string) ([]byte, error)
	Exists(p string) bool
	// Files lists every file in the vault.
	Files() []string
	// ResourceURL returns a URL the renderer can load p from.
	ResourceURL(p string) string
	// ResolveLink resolves an internal link as written in sourcePath.
	ResolveLink(link, sourcePath string) (string, bool)
	// ActiveDocument is the note currently open, or "".
	ActiveDocument() string
}

// Dir is a Vault over an afero filesystem rooted at the vault directory.
type Dir struct {
	fs   afero.Fs
	log  logger.Logger
	skip map[string]bool

	mu     sync.RWMutex
	files  []string
	active string
}

// DirOption configures a Dir.
type DirOption func(*Dir)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) DirOption {
	return func(d *Dir) { d.log = l }
}

// WithSkipDirs excludes top-level or nested directory names from Files.
func WithSkipDirs(names ...string) DirOption {
	return func(d *Dir) {
		for _, n := range names {
			d.skip[n] = true
		}
	}
}

// NewDir returns a vault over fs. Hidden directories are never indexed.
func NewDir(fs afero.Fs, opts ...DirOption) *Dir {
	d := &Dir{
		fs:   fs,
		log:  logger.NewNopLogger(),
		skip: map[string]bool{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open returns a Dir rooted at root on the OS filesystem.
func Open(root string, opts ...DirOption) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.New(err).
			Component("vault").
			Category(errors.CategoryConfiguration).
			Context("root", root).
			Build()
	}
	if !info.IsDir() {
		return nil, errors.Newf("vault root %s is not a directory", root).
			Component("vault").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return NewDir(afero.NewBasePathFs(afero.NewOsFs(), root), opts...), nil
}

// Clean normalizes a vault path: forward slashes, no leading slash, no
// dot segments. Paths climbing above the root are rejected.
func Clean(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean("/" + p)
	if strings.Contains(p, "..") {
		// path.Clean("/"+p) swallows leading "..", check the relative form
		rel := path.Clean(p)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return "", errors.New(ErrInvalidPath).
				Component("vault").
				Category(errors.CategoryValidation).
				Context("path", p).
				Build()
		}
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func (d *Dir) fsPath(p string) (string, error) {
	c, err := Clean(p)
	if err != nil {
		return "", err
	}
	return "/" + c, nil
}

// ReadText reads a note.
func (d *Dir) ReadText(ctx context.Context, p string) (string, error) {
	data, err := d.ReadBinary(ctx, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBinary reads a file.
func (d *Dir) ReadBinary(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fp, err := d.fsPath(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(d.fs, fp)
	if err != nil {
		cat := errors.CategoryFileIO
		if os.IsNotExist(err) {
			cat = errors.CategoryNotFound
		}
		return nil, errors.New(err).
			Component("vault").
			Category(cat).
			Context("path", p).
			Build()
	}
	return data, nil
}

// Exists reports whether p is an existing regular file.
func (d *Dir) Exists(p string) bool {
	fp, err := d.fsPath(p)
	if err != nil || fp == "/" {
		return false
	}
	info, err := d.fs.Stat(fp)
	return err == nil && !info.IsDir()
}

// Files returns the sorted file index, walking the vault on first use.
func (d *Dir) Files() []string {
	d.mu.RLock()
	files := d.files
	d.mu.RUnlock()
	if files != nil {
		return files
	}
	return d.Refresh()
}

// Refresh rebuilds the file index.
func (d *Dir) Refresh() []string {
	files := []string{}
	err := afero.Walk(d.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		name := info.Name()
		if info.IsDir() {
			if p != "/" && (strings.HasPrefix(name, ".") || d.skip[name]) {
				return fs.SkipDir
			}
			return nil
		}
		files = append(files, strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/"))
		return nil
	})
	if err != nil {
		d.log.Warn("vault walk failed", logger.Error(err))
	}
	sort.Strings(files)

	d.mu.Lock()
	d.files = files
	d.mu.Unlock()
	return files
}

// ResourceURL returns a vault:// URL for p.
func (d *Dir) ResourceURL(p string) string {
	c, err := Clean(p)
	if err != nil {
		c = p
	}
	return ResourceScheme + c
}

// ResolveLink resolves link the way internal links resolve: an exact vault
// path, then a path relative to the linking note's folder, then the
// shortest path whose tail matches link.
func (d *Dir) ResolveLink(link, sourcePath string) (string, bool) {
	link, _, _ = strings.Cut(link, "#")
	link = strings.TrimSpace(link)
	if link == "" {
		return "", false
	}
	c, err := Clean(link)
	if err != nil {
		return "", false
	}
	if d.Exists(c) {
		return c, true
	}
	if sourcePath != "" {
		if rel, err := Clean(path.Join(path.Dir(sourcePath), link)); err == nil && d.Exists(rel) {
			return rel, true
		}
	}

	best := ""
	for _, f := range d.Files() {
		if f == c || strings.HasSuffix(f, "/"+c) {
			if best == "" || len(f) < len(best) {
				best = f
			}
		}
	}
	return best, best != ""
}

// SetActiveDocument records the note currently open.
func (d *Dir) SetActiveDocument(p string) {
	c, err := Clean(p)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.active = c
	d.mu.Unlock()
}

// ActiveDocument returns the note set by SetActiveDocument.
func (d *Dir) ActiveDocument() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// ResourcePath maps a vault:// URL back to its vault path.
func ResourcePath(url string) (string, bool) {
	if !strings.HasPrefix(url, ResourceScheme) {
		return "", false
	}
	return strings.TrimPrefix(url, ResourceScheme), true
}
