package transport

import (
	"path"
	"strings"

	"github.com/tphakala/imagewall/internal/vault"
)

// DefaultResourceDir is the conventional attachment folder of imported notes.
const DefaultResourceDir = "_resources"

// attachmentDirs are tried under the active document's folder.
var attachmentDirs = []string{"_attachments", "attachments"}

// AlternatePaths lists vault paths to try for a local reference that did
// not resolve directly, in order:
//
//  1. the path unmodified, then with its leading separator stripped or added
//  2. under the resource directory, then without that prefix
//  3. relative to the active document's folder and its attachment folders
//  4. vault files with the same file name, then files containing the path
//
// Paths escaping the vault are dropped and duplicates removed.
func AlternatePaths(p, activeDoc, resourceDir string, files []string) []string {
	if resourceDir == "" {
		resourceDir = DefaultResourceDir
	}
	resourceDir = strings.Trim(resourceDir, "/")

	var out []string
	seen := make(map[string]struct{})
	add := func(candidate string) {
		c, err := vault.Clean(candidate)
		if err != nil || c == "" || c == "." {
			return
		}
		if _, dup := seen[c]; dup {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}

	p = strings.ReplaceAll(p, "\\", "/")
	add(p)
	if strings.HasPrefix(p, "/") {
		add(strings.TrimPrefix(p, "/"))
	} else {
		add("/" + p)
	}

	trimmed := strings.TrimPrefix(p, "/")
	prefix := resourceDir + "/"
	if strings.HasPrefix(trimmed, prefix) {
		add(strings.TrimPrefix(trimmed, prefix))
	} else {
		add(prefix + trimmed)
	}

	base := path.Base(trimmed)
	if activeDoc != "" {
		dir := path.Dir(strings.TrimPrefix(activeDoc, "/"))
		add(path.Join(dir, trimmed))
		add(path.Join(dir, base))
		add(path.Join(dir, resourceDir, base))
		for _, d := range attachmentDirs {
			add(path.Join(dir, d, base))
		}
	}

	for _, f := range files {
		if path.Base(f) == base {
			add(f)
		}
	}
	for _, f := range files {
		if strings.Contains(f, trimmed) {
			add(f)
		}
	}
	return out
}
