// Package transport loads a single image reference through an ordered chain
// of strategies: cache, direct assignment, mediated fetch, raw fetch and a
// last-resort pass over alternate local paths.
package transport

import (
	"net/url"
	"strings"
)

// Kind classifies an image reference once so strategies never re-derive it
// from string prefixes.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
	KindRemoteRestricted
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindRemoteRestricted:
		return "remote-restricted"
	default:
		return "unknown"
	}
}

// Remote reports whether the kind is fetched over the network.
func (k Kind) Remote() bool {
	return k == KindRemote || k == KindRemoteRestricted
}

// RestrictedHost is a hotlink-protected host and the referer it expects.
// Suffix matches the host itself and any subdomain.
type RestrictedHost struct {
	Suffix  string
	Referer string
}

// DefaultRestrictedHosts covers the hosts known to reject foreign referers.
func DefaultRestrictedHosts() []RestrictedHost {
	return []RestrictedHost{{Suffix: "sinaimg.cn", Referer: "https://weibo.com/"}}
}

// Source is a classified image reference.
type Source struct {
	Path    string // reference as written in the note
	Kind    Kind
	URL     *url.URL // nil for local sources
	Referer string   // set for restricted hosts
}

// Classify derives the Source for path.
func Classify(path string, restricted []RestrictedHost) Source {
	src := Source{Path: path, Kind: KindLocal}

	lower := strings.ToLower(path)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return src
	}
	u, err := url.Parse(path)
	if err != nil || u.Host == "" {
		return src
	}

	src.URL = u
	src.Kind = KindRemote
	host := strings.ToLower(u.Hostname())
	for _, r := range restricted {
		suffix := strings.ToLower(strings.TrimPrefix(r.Suffix, "."))
		if suffix == "" {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			src.Kind = KindRemoteRestricted
			src.Referer = r.Referer
			break
		}
	}
	return src
}
