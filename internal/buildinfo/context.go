// Package buildinfo carries build-time metadata separate from user
// configuration.
package buildinfo

import (
	"runtime/debug"
	"time"
)

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// Context holds the version and build date injected with -ldflags.
type Context struct {
	Version   string
	BuildDate string

	started time.Time
}

// NewContext returns a Context stamped with the process start time. An empty
// version falls back to the main module version recorded by the toolchain.
func NewContext(version, buildDate string) *Context {
	if version == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "(devel)" {
			version = bi.Main.Version
		}
	}
	return &Context{Version: version, BuildDate: buildDate, started: time.Now()}
}

// GetVersion returns the version or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// Uptime returns the time since NewContext.
func (c *Context) Uptime() time.Duration {
	if c == nil || c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}
