// Package blockcache implements the Block Cache: a bounded, LRU-evicting,
// content-streaming file cache backed by the filesystem, with concurrent
// prefetch workers fed by the Metadata Cache's dirty stream.
//
// Tee-to-disk streaming is grounded on the shape of backend/cache/handle.go's
// worker.download (pop an offset/path, fetch, write to storage, handle
// partial reads) even though the unit of work here is a whole file rather
// than a fixed-size chunk.
package blockcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dustin/go-humanize"

	"github.com/sujayakar/public-domain/internal/coreerr"
	"github.com/sujayakar/public-domain/internal/log"
	"github.com/sujayakar/public-domain/internal/remote"
	"github.com/sujayakar/public-domain/internal/tree"
)

var logger = log.For("blockcache")

// Params holds the Block Cache's tunables.
type Params struct {
	ChunkSize       int64 // stream granularity, bytes
	PrefetchSize    int64 // files smaller than this are candidates for prefetch
	CacheableSize   int64 // files larger than this bypass the cache entirely
	MaxSize         int64 // total cache budget, bytes
	PrefetchThreads int   // prefetch worker count
}

// CacheEntry is an installed cache record.
type CacheEntry struct {
	Rev        string
	Size       int64
	LastAccess time.Time
	Headers    http.Header
	DiskPath   string
}

// statter is the subset of *metacache.Cache the Block Cache needs.
type statter interface {
	Stat(path string) (tree.File, error)
}

// downloader is the subset of *remote.Client the Block Cache needs.
type downloader interface {
	Download(ctx context.Context, path string) (remote.DownloadResult, error)
}

// Cache is the Block Cache. The zero value is not usable; use New.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*CacheEntry
	totalSize int64

	dir    string
	params Params
	meta   statter
	client downloader
	sf     singleflight.Group // collapses concurrent Prime() of the same path
}

// New constructs a Block Cache rooted at dir, which is emptied at startup
// (no persistence across restarts).
func New(dir string, params Params, meta statter, client downloader) (*Cache, error) {
	if err := resetCacheDir(dir); err != nil {
		return nil, err
	}
	return &Cache{
		entries: make(map[string]*CacheEntry),
		dir:     dir,
		params:  params,
		meta:    meta,
		client:  client,
	}, nil
}

func resetCacheDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("blockcache: clearing cache dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blockcache: creating cache dir: %w", err)
	}
	return nil
}

func cacheFileName(path, rev string) string {
	sum := md5.Sum([]byte(path + rev))
	return hex.EncodeToString(sum[:])
}

func quotedETag(rev string) string {
	return `"` + rev + `"`
}

func synthesizeHeaders(st tree.File) http.Header {
	h := make(http.Header)
	h.Set("Content-Length", strconv.FormatUint(st.Size, 10))
	h.Set("ETag", quotedETag(st.Rev))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	return h
}

// removeEntryLocked deletes entry's disk file and un-accounts its size. Caller holds c.mu.
func (c *Cache) removeEntryLocked(path string, e *CacheEntry) {
	delete(c.entries, path)
	c.totalSize -= e.Size
	if err := os.Remove(e.DiskPath); err != nil && !os.IsNotExist(err) {
		logger.Errorf(path, "failed removing evicted cache file: %v", err)
	}
}

// evictToFitLocked evicts LRU entries (smallest LastAccess first) until
// adding need bytes would keep totalSize <= MaxSize. Caller holds c.mu, so
// the scan for the minimum never races with a concurrent mutation, per
// a fix for the inconsistent-scan bug a lock-free min-over-map would have
// under concurrent mutation.
func (c *Cache) evictToFitLocked(need int64) {
	for c.totalSize+need > c.params.MaxSize && len(c.entries) > 0 {
		var oldestPath string
		var oldest *CacheEntry
		for p, e := range c.entries {
			if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
				oldestPath, oldest = p, e
			}
		}
		logger.Debugf(oldestPath, "evicting cache entry (%s) to free space", humanize.Bytes(uint64(oldest.Size)))
		c.removeEntryLocked(oldestPath, oldest)
	}
}

// invalidate drops any cache entry for path regardless of rev, used when
// stat reports NotFound.
func (c *Cache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		c.removeEntryLocked(path, e)
	}
}

// Get returns path's file, headers, and a body stream, serving from the
// on-disk cache when possible.
func (c *Cache) Get(ctx context.Context, path string) (tree.File, http.Header, io.ReadCloser, error) {
	st, err := c.meta.Stat(path)
	if errors.Is(err, coreerr.ErrNotFound) {
		c.invalidate(path)
		return tree.File{}, nil, nil, coreerr.ErrNotFound
	}
	if err != nil {
		return tree.File{}, nil, nil, err
	}

	if int64(st.Size) > c.params.CacheableSize {
		logger.Debugf(path, "bypassing cache, %s exceeds cacheable size", humanize.Bytes(st.Size))
		dl, err := c.client.Download(ctx, path)
		if err != nil {
			return tree.File{}, nil, nil, err
		}
		return st, synthesizeHeaders(st), dl.Body, nil
	}

	c.mu.Lock()
	entry, ok := c.entries[path]
	if ok && entry.Rev == st.Rev {
		entry.LastAccess = time.Now()
		headers := entry.Headers
		diskPath := entry.DiskPath
		c.mu.Unlock()
		f, err := os.Open(diskPath)
		if err == nil {
			return st, headers, f, nil
		}
		// Disk read failed for an entry we believe is resident: treat it as
		// a CacheIOError, drop the entry, and fall back to a direct stream
		// rather than failing the request outright.
		logger.Errorf(path, "cache read failed, evicting and falling back to direct stream: %v", &coreerr.CacheIOError{Path: path, Err: err})
		c.invalidate(path)
	} else {
		if ok {
			c.removeEntryLocked(path, entry)
		}
		c.mu.Unlock()
	}

	body, headers, err := c.downloadAndTee(ctx, path, st)
	if err != nil {
		return tree.File{}, nil, nil, err
	}
	return st, headers, body, nil
}

// downloadAndTee reserves space for st.Size, starts the remote download, and
// returns a reader that tees each chunk to both the caller and a fresh cache
// file. The CacheEntry is installed only once the stream has been fully
// consumed; if the caller stops early, Close releases the reservation
// instead of leaking it: the consumer's own Close frees the bytes, making a
// separate reaper unnecessary.
func (c *Cache) downloadAndTee(ctx context.Context, path string, st tree.File) (io.ReadCloser, http.Header, error) {
	size := int64(st.Size)

	c.mu.Lock()
	c.evictToFitLocked(size)
	c.totalSize += size // reservation
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		c.totalSize -= size
		c.mu.Unlock()
	}

	dl, err := c.client.Download(ctx, path)
	if err != nil {
		release()
		return nil, nil, err
	}

	tmp, err := os.CreateTemp(c.dir, "tmp-*")
	if err != nil {
		// The cache file cannot be written: release the reservation and
		// stream the download directly without installing an entry.
		release()
		logger.Errorf(path, "cache write failed, streaming directly: %v", &coreerr.CacheIOError{Path: path, Err: err})
		return dl.Body, synthesizeHeaders(st), nil
	}

	finalPath := filepath.Join(c.dir, cacheFileName(path, st.Rev))
	headers := synthesizeHeaders(st)

	r := &teeInstallReader{
		cache:     c,
		path:      path,
		rev:       st.Rev,
		size:      size,
		src:       dl.Body,
		tmp:       tmp,
		finalPath: finalPath,
		headers:   headers,
		release:   release,
	}
	return r, headers, nil
}

// teeInstallReader streams bytes to the caller while simultaneously writing
// them to a temp file on disk; it installs a CacheEntry only once the
// underlying stream has been read to completion.
type teeInstallReader struct {
	cache     *Cache
	path, rev string
	size      int64

	src io.ReadCloser
	tmp *os.File

	finalPath string
	headers   http.Header
	release   func()

	mu        sync.Mutex
	installed bool
	failed    bool
	closed    bool
}

func (r *teeInstallReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		if _, werr := r.tmp.Write(p[:n]); werr != nil {
			r.abortWrite(werr)
		}
	}
	if err == io.EOF {
		r.finish()
	} else if err != nil {
		r.abortWrite(err)
	}
	return n, err
}

func (r *teeInstallReader) abortWrite(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed || r.installed {
		return
	}
	r.failed = true
	logger.Errorf(r.path, "cache write aborted: %v", err)
}

func (r *teeInstallReader) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed || r.failed {
		return
	}
	if err := r.tmp.Close(); err != nil {
		logger.Errorf(r.path, "failed closing cache temp file: %v", err)
		r.failed = true
		return
	}
	if err := os.Rename(r.tmp.Name(), r.finalPath); err != nil {
		logger.Errorf(r.path, "failed installing cache file: %v", err)
		r.failed = true
		return
	}

	entry := &CacheEntry{
		Rev:        r.rev,
		Size:       r.size,
		LastAccess: time.Now(),
		Headers:    r.headers,
		DiskPath:   r.finalPath,
	}
	r.cache.mu.Lock()
	r.cache.entries[r.path] = entry
	// the reservation made in downloadAndTee already accounts for r.size in
	// totalSize, so installing the entry needs no further adjustment.
	r.cache.mu.Unlock()
	r.installed = true
	logger.Debugf(r.path, "installed cache entry (%s)", humanize.Bytes(uint64(r.size)))
}

func (r *teeInstallReader) Close() error {
	r.mu.Lock()
	already := r.closed
	r.closed = true
	installed := r.installed
	r.mu.Unlock()

	err := r.src.Close()
	if already {
		return err
	}
	if !installed {
		_ = r.tmp.Close()
		_ = os.Remove(r.tmp.Name())
		r.release()
	}
	return err
}

// Prime implements the prefetch operation: stat the path, skip if
// missing/too-large/already-resident, otherwise Get and drain to completion.
func (c *Cache) Prime(ctx context.Context, path string) {
	_, err, _ := c.sf.Do(path, func() (any, error) {
		c.prime(ctx, path)
		return nil, nil
	})
	if err != nil {
		logger.Errorf(path, "prefetch failed: %v", err)
	}
}

func (c *Cache) prime(ctx context.Context, path string) {
	st, err := c.meta.Stat(path)
	if errors.Is(err, coreerr.ErrIsDirectory) {
		return // folders are announced too; nothing to prefetch
	}
	if errors.Is(err, coreerr.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Errorf(path, "prefetch stat failed: %v", err)
		return
	}
	if int64(st.Size) > c.params.PrefetchSize {
		return
	}

	c.mu.Lock()
	entry, resident := c.entries[path]
	sameRev := resident && entry.Rev == st.Rev
	c.mu.Unlock()
	if sameRev {
		return
	}

	_, _, body, err := c.Get(ctx, path)
	if err != nil {
		logger.Errorf(path, "prefetch get failed: %v", err)
		return
	}
	defer body.Close()
	if _, err := io.Copy(io.Discard, body); err != nil {
		logger.Errorf(path, "prefetch drain failed: %v", err)
	}
}

// RunPrefetchWorker pops paths from dirty and primes them until ctx is done,
// grounded on backend/cache/handle.go's worker.run() channel-drain loop shape.
func (c *Cache) RunPrefetchWorker(ctx context.Context, dirty <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-dirty:
			if !ok {
				return
			}
			c.Prime(ctx, path)
		}
	}
}

// ChunkSize reports the configured stream granularity, used by callers that
// want to emit the body in chunk_size pieces.
func (c *Cache) ChunkSize() int64 {
	return c.params.ChunkSize
}

// Stats reports current size accounting: installed entries, the tracked
// total (including in-flight reservations) and the configured budget.
func (c *Cache) Stats() (entries int, totalSize, maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.totalSize, c.params.MaxSize
}
