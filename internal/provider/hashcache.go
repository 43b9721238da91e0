package provider

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultHashCacheSize bounds the number of remembered digests per location.
const DefaultHashCacheSize = 64 * 1024

type cachedHash struct {
	size    int64
	modTime time.Time
	hash    string
}

// HashCache remembers digests keyed by path and reuses them while size and mtime are unchanged.
// It is safe for concurrent use.
type HashCache struct {
	entries *lru.Cache[string, cachedHash]
}

func NewHashCache(size int) *HashCache {
	if size <= 0 {
		size = DefaultHashCacheSize
	}
	entries, err := lru.New[string, cachedHash](size)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &HashCache{entries: entries}
}

// Lookup returns the cached digest when the file metadata still matches.
func (c *HashCache) Lookup(path string, size int64, modTime time.Time) (string, bool) {
	if c == nil {
		return "", false
	}
	e, ok := c.entries.Get(path)
	if !ok || e.size != size || !e.modTime.Equal(modTime) {
		return "", false
	}
	return e.hash, true
}

func (c *HashCache) Remember(path string, size int64, modTime time.Time, hash string) {
	if c == nil {
		return
	}
	c.entries.Add(path, cachedHash{size: size, modTime: modTime, hash: hash})
}

func (c *HashCache) Forget(path string) {
	if c == nil {
		return
	}
	c.entries.Remove(path)
}

func (c *HashCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
