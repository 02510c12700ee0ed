// Package etagcache implements a small revision-validated memo sitting atop
// the Metadata Cache, used to answer conditional requests with a
// not-modified response.
package etagcache

import (
	"sync"

	"github.com/sujayakar/public-domain/internal/tree"
)

type record struct {
	rev  string
	etag string
}

// statter is the subset of *metacache.Cache the ETag Cache validates against.
type statter interface {
	Stat(path string) (tree.File, error)
}

// Cache is the ETag Cache. The zero value is not usable; use New.
type Cache struct {
	mu    sync.Mutex
	cache map[string]record
	meta  statter
}

// New constructs an ETag Cache validated against meta.
func New(meta statter) *Cache {
	return &Cache{cache: make(map[string]record), meta: meta}
}

// Register records (file.rev, etag) for path.
func (c *Cache) Register(path string, file tree.File, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[path] = record{rev: file.Rev, etag: etag}
}

// IsCurrent returns true iff the recorded etag matches AND the Metadata
// Cache still reports the same rev; otherwise the record is removed and
// false is returned.
func (c *Cache) IsCurrent(path, etag string) bool {
	c.mu.Lock()
	rec, ok := c.cache[path]
	if ok && rec.etag != etag {
		delete(c.cache, path)
	}
	c.mu.Unlock()
	if !ok || rec.etag != etag {
		return false
	}

	st, err := c.meta.Stat(path)
	if err != nil || st.Rev != rec.rev {
		c.mu.Lock()
		delete(c.cache, path)
		c.mu.Unlock()
		return false
	}
	return true
}
