// Package extract finds image references in note text.
package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	// ![[path|alias]]
	wikiEmbed = regexp.MustCompile(`!\[\[(.*?)]]`)
	// ![alt](path "title"), which also covers ![](path)
	markdownImage = regexp.MustCompile(`!\[.*?]\((.*?)\)`)

	imageExtension = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|bmp|svg|tiff?|ico|avif)$`)
)

// Extractor pulls candidate references from text.
type Extractor interface {
	Extract(text string) []string
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(text string) []string

// Extract implements Extractor.
func (f ExtractorFunc) Extract(text string) []string { return f(text) }

// Default is the extractor set used by Images, in precedence order.
var Default = []Extractor{
	ExtractorFunc(WikiEmbeds),
	ExtractorFunc(MarkdownImages),
	ExtractorFunc(HTMLImages),
}

// Images returns the image references in text, deduplicated in first-seen
// order. Remote references that do not look like images are dropped.
func Images(text string) []string {
	return With(text, Default...)
}

// With runs the given extractors over text and merges their results like
// Images does.
func With(text string, extractors ...Extractor) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, e := range extractors {
		for _, ref := range e.Extract(text) {
			if ref == "" || !LikelyImage(ref) {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}

// WikiEmbeds extracts ![[target]] embeds, keeping the part before any
// "|alias".
func WikiEmbeds(text string) []string {
	var refs []string
	for _, m := range wikiEmbed.FindAllStringSubmatch(text, -1) {
		target, _, _ := strings.Cut(m[1], "|")
		if target = strings.TrimSpace(target); target != "" {
			refs = append(refs, target)
		}
	}
	return refs
}

// MarkdownImages extracts ![alt](destination) images. An optional title
// after the destination and any quotes are removed.
func MarkdownImages(text string) []string {
	var refs []string
	for _, m := range markdownImage.FindAllStringSubmatch(text, -1) {
		if dest := destination(m[1]); dest != "" {
			refs = append(refs, dest)
		}
	}
	return refs
}

func destination(raw string) string {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "<"); ok {
		if inner, _, found := strings.Cut(rest, ">"); found {
			return strings.TrimSpace(inner)
		}
	}
	// drop a trailing "title" or 'title'
	if i := strings.IndexAny(raw, " \t"); i > 0 {
		if tail := strings.TrimSpace(raw[i:]); strings.HasPrefix(tail, `"`) || strings.HasPrefix(tail, "'") {
			raw = raw[:i]
		}
	}
	return strings.TrimSpace(strings.NewReplacer(`"`, "", "'", "").Replace(raw))
}

// HTMLImages extracts the src of inline <img> elements.
func HTMLImages(text string) []string {
	if !strings.Contains(strings.ToLower(text), "<img") {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil
	}

	var refs []string
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "img" {
			for _, attr := range node.Attr {
				if attr.Key == "src" {
					if src := strings.TrimSpace(attr.Val); src != "" {
						refs = append(refs, src)
					}
					break
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			traverse(child)
		}
	}
	traverse(doc)
	return refs
}

// LikelyImage reports whether ref is worth loading. Local paths are always
// accepted; remote URLs need an image extension, or must be a twimg media
// URL carrying a format parameter.
func LikelyImage(ref string) bool {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return true
	}
	bare, _, _ := strings.Cut(ref, "?")
	bare, _, _ = strings.Cut(bare, "#")
	if imageExtension.MatchString(bare) {
		return true
	}
	last := bare[strings.LastIndex(bare, "/")+1:]
	if strings.Contains(last, ".") {
		return false
	}
	return strings.Contains(ref, "pbs.twimg.com/media/") && strings.Contains(ref, "format=")
}
