package imagecache

import (
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/imagewall/internal/logger"
)

// DiskGuard decides whether the volume has room for another blob.
type DiskGuard interface {
	HasRoom(size int64) bool
}

// UsageGuard checks free space on the volume holding Path.
type UsageGuard struct {
	Path    string
	MinFree uint64 // bytes that must stay free after the write
	Log     logger.Logger

	usage func(path string) (*disk.UsageStat, error)
}

// NewUsageGuard returns a guard for path, or nil when minFreeMB is not
// positive.
func NewUsageGuard(path string, minFreeMB int, log logger.Logger) *UsageGuard {
	if minFreeMB <= 0 {
		return nil
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &UsageGuard{
		Path:    path,
		MinFree: uint64(minFreeMB) * 1024 * 1024,
		Log:     log,
		usage:   disk.Usage,
	}
}

// HasRoom reports whether size bytes fit while keeping MinFree available.
// Usage lookup failures allow the write.
func (g *UsageGuard) HasRoom(size int64) bool {
	if g == nil {
		return true
	}
	usage, err := g.usage(g.Path)
	if err != nil {
		g.Log.Debug("disk usage unavailable", logger.String("path", g.Path), logger.Error(err))
		return true
	}
	// #nosec G115 -- size is a validated, non-negative payload length
	need := uint64(size) + g.MinFree
	if usage.Free < need {
		g.Log.Warn("not enough free disk space for cache write",
			logger.Uint64("free", usage.Free),
			logger.Uint64("required", need))
		return false
	}
	return true
}
