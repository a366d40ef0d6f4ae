package transport

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultFailureTTL is how long a terminally failed source is skipped.
const DefaultFailureTTL = 10 * time.Minute

// FailureCache remembers sources whose whole chain failed so reopening a
// gallery does not hammer a dead host. It outlives individual galleries and
// is safe for concurrent use.
type FailureCache struct {
	c *cache.Cache
}

// NewFailureCache returns a cache whose entries expire after ttl; ttl <= 0
// uses DefaultFailureTTL. No janitor goroutine is started: expired entries
// are invisible to Recent and purged by Len.
func NewFailureCache(ttl time.Duration) *FailureCache {
	if ttl <= 0 {
		ttl = DefaultFailureTTL
	}
	return &FailureCache{c: cache.New(ttl, 0)}
}

// Remember records a terminal failure for path.
func (f *FailureCache) Remember(path string, err error) {
	if f == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	f.c.Set(path, msg, cache.DefaultExpiration)
}

// Recent returns the recorded failure message for path, if any.
func (f *FailureCache) Recent(path string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.c.Get(path)
	if !ok {
		return "", false
	}
	msg, _ := v.(string)
	return msg, true
}

// Forget clears path, used when the user explicitly retries.
func (f *FailureCache) Forget(path string) {
	if f == nil {
		return
	}
	f.c.Delete(path)
}

// Len returns the number of live remembered failures.
func (f *FailureCache) Len() int {
	if f == nil {
		return 0
	}
	f.c.DeleteExpired()
	return f.c.ItemCount()
}

// Flush drops every remembered failure.
func (f *FailureCache) Flush() {
	if f == nil {
		return
	}
	f.c.Flush()
}
