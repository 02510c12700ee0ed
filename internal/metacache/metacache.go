// Package metacache implements the Metadata Cache: an in-memory
// case-insensitive tree of remote entries kept fresh by a cursor-driven
// long-poll loop, exposing stat/listdir and a change-notification primitive.
//
// The sync worker is modeled as an explicit two-state machine (listing,
// longpolling) with the cursor as its only persistent state, rather than as
// ad-hoc nested loops.
package metacache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sujayakar/public-domain/internal/dirtyqueue"
	"github.com/sujayakar/public-domain/internal/log"
	"github.com/sujayakar/public-domain/internal/remote"
	"github.com/sujayakar/public-domain/internal/tree"
)

var logger = log.For("metadata")

// DefaultSubscribeDeadline is the default Subscribe wait before timing out.
const DefaultSubscribeDeadline = 15 * time.Second

// degradedRetryBackoff is how long the sync worker waits after an
// InconsistentRemote batch before attempting a fresh full listing.
const degradedRetryBackoff = 30 * time.Second

// Cache is the Metadata Cache. The zero value is not usable; use New.
type Cache struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tree     *tree.Tree
	cursor   string
	degraded bool

	client syncClient
	root   string
	dirty  *dirtyqueue.Queue
}

// syncClient is the subset of *remote.Client the sync loop needs; declared
// as an interface so tests can drive the state machine against a fake
// without hitting the Dropbox SDK.
type syncClient interface {
	ListFolder(ctx context.Context, root string) (remote.ListResult, error)
	ListContinue(ctx context.Context, cursor string) (remote.ListResult, error)
	LongPoll(ctx context.Context, cursor string) (remote.LongPollResult, error)
}

// New constructs a Metadata Cache rooted at root (e.g. "/Public"), driven by client.
func New(client syncClient, root string, dirtyQueueCapacity int) *Cache {
	c := &Cache{
		tree:   tree.New(),
		client: client,
		root:   root,
		dirty:  dirtyqueue.New(dirtyQueueCapacity),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Stat resolves path against the current tree.
func (c *Cache) Stat(path string) (tree.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Stat(path)
}

// List lists path's children, returning the cursor observed at read time.
func (c *Cache) List(path string) ([]tree.DirEntry, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.tree.List(path)
	return entries, c.cursor, err
}

// Cursor returns the currently published cursor.
func (c *Cache) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Healthy reports whether the sync worker is not currently degraded.
func (c *Cache) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.degraded
}

// Dirty exposes the dirty-path stream for prefetch workers.
func (c *Cache) Dirty() <-chan string {
	return c.dirty.Chan()
}

// SubscribeResult is the outcome of Subscribe.
type SubscribeResult int

// Subscribe outcomes.
const (
	Unchanged SubscribeResult = iota
	Changed
)

// Subscribe returns immediately if clientCursor differs from the current
// cursor, otherwise waits up to deadline for an advance.
func (c *Cache) Subscribe(ctx context.Context, clientCursor string, deadline time.Duration) SubscribeResult {
	if deadline <= 0 {
		deadline = DefaultSubscribeDeadline
	}
	c.mu.Lock()
	if c.cursor != clientCursor {
		c.mu.Unlock()
		return Changed
	}

	done := make(chan struct{})
	timer := time.AfterFunc(deadline, func() { close(done) })
	defer timer.Stop()

	// sync.Cond has no context-aware wait, so a watcher goroutine turns
	// ctx cancellation or the deadline into a Broadcast that wakes us up
	// without having actually changed the cursor.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-done:
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stopWatch:
		}
	}()

	for c.cursor == clientCursor {
		select {
		case <-ctx.Done():
			c.mu.Unlock()
			close(stopWatch)
			return Unchanged
		default:
		}
		select {
		case <-done:
			c.mu.Unlock()
			close(stopWatch)
			return Unchanged
		default:
		}
		c.cond.Wait()
	}
	changed := c.cursor != clientCursor
	c.mu.Unlock()
	close(stopWatch)
	if changed {
		return Changed
	}
	return Unchanged
}

// relativeToRoot strips the configured root prefix from a Dropbox
// path_display, mirroring original_source/dbx.py's _from_rr. Returns ("", true)
// for the root folder entry itself, which callers ignore rather than merge.
func relativeToRoot(root, pathDisplay string) (string, bool) {
	if len(pathDisplay) < len(root) || !strings.EqualFold(pathDisplay[:len(root)], root) {
		return "", false
	}
	rel := strings.TrimPrefix(pathDisplay[len(root):], "/")
	return rel, true
}

// mergeBatch applies one list_folder/list_continue response to the tree
// under the cache's lock, and enqueues each merged path on the dirty stream.
func (c *Cache) mergeBatch(entries []remote.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		rel, ok := relativeToRoot(c.root, e.PathDisplay)
		if !ok || rel == "" {
			continue
		}
		if err := c.tree.Merge(rel, e); err != nil {
			return err
		}
		c.dirty.Push(rel)
	}
	return nil
}

func (c *Cache) publishCursor(cursor string) {
	c.mu.Lock()
	c.cursor = cursor
	c.degraded = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Cache) setDegraded(reason error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	logger.Errorf(c.root, "sync worker degraded: %v", reason)
}

type syncState int

const (
	stateListing syncState = iota
	stateLongPolling
)

// Run drives the sync state machine until ctx is cancelled. It is modeled
// as an explicit two-state machine (listing, longpolling) with cursor as
// its only persistent state, rather than as ad-hoc nested loops.
func (c *Cache) Run(ctx context.Context) error {
	cursor := ""
	state := stateListing

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch state {
		case stateListing:
			var res remote.ListResult
			var err error
			if cursor == "" {
				res, err = c.client.ListFolder(ctx, c.root)
			} else {
				res, err = c.client.ListContinue(ctx, cursor)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.setDegraded(err)
				cursor = ""
				sleepOrDone(ctx, degradedRetryBackoff)
				continue
			}

			if err := c.mergeBatch(res.Entries); err != nil {
				c.setDegraded(err)
				cursor = ""
				sleepOrDone(ctx, degradedRetryBackoff)
				continue
			}

			cursor = res.Cursor
			c.publishCursor(cursor)

			if !res.HasMore {
				state = stateLongPolling
			}

		case stateLongPolling:
			res, err := c.client.LongPoll(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.setDegraded(err)
				sleepOrDone(ctx, degradedRetryBackoff)
				continue
			}
			if res.Backoff > 0 {
				sleepOrDone(ctx, res.Backoff)
			}
			if res.Changes {
				state = stateListing
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
