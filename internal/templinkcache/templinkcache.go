// Package templinkcache implements a per-path (rev, expiry, url) memo for
// redirect-style range downloads, grounded on original_source/web.py's
// TempLinkCache.
package templinkcache

import (
	"context"
	"sync"
	"time"

	"github.com/sujayakar/public-domain/internal/log"
	"github.com/sujayakar/public-domain/internal/tree"
)

var logger = log.For("templink")

// TTL is how long a cached temporary link stays valid.
const TTL = 3 * time.Hour

type record struct {
	rev       string
	expiresAt time.Time
	url       string
}

// statter is the subset of *metacache.Cache the TempLink Cache validates against.
type statter interface {
	Stat(path string) (tree.File, error)
}

// fetcher is the subset of *remote.Client the TempLink Cache uses.
type fetcher interface {
	TemporaryLink(ctx context.Context, path string) (string, error)
}

// Cache is the TempLink Cache. The zero value is not usable; use New.
type Cache struct {
	mu     sync.Mutex
	cache  map[string]record
	meta   statter
	client fetcher
}

// New constructs a TempLink Cache validated against meta and backed by client.
func New(meta statter, client fetcher) *Cache {
	return &Cache{cache: make(map[string]record), meta: meta, client: client}
}

// Get returns a cached URL iff the cached rev matches the current stat and
// it hasn't expired; otherwise it fetches a fresh link and records it with
// a 3h TTL.
func (c *Cache) Get(ctx context.Context, path string) (string, error) {
	st, err := c.meta.Stat(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	rec, ok := c.cache[path]
	c.mu.Unlock()
	if ok && rec.rev == st.Rev && time.Now().Before(rec.expiresAt) {
		return rec.url, nil
	}

	logger.Debugf(path, "fetching fresh temporary link")
	url, err := c.client.TemporaryLink(ctx, path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[path] = record{rev: st.Rev, expiresAt: time.Now().Add(TTL), url: url}
	c.mu.Unlock()
	return url, nil
}
