package metacache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/public-domain/internal/remote"
)

// fakeClient is a hand-rolled stand-in for the Dropbox SDK, the way
// backend/dropbox_internal_test.go style tests fake backend clients instead
// of hitting the network.
type fakeClient struct {
	mu        sync.Mutex
	batches   []remote.ListResult
	longpolls []remote.LongPollResult
	lpCalls   int
}

func (f *fakeClient) ListFolder(ctx context.Context, root string) (remote.ListResult, error) {
	return f.nextBatch()
}

func (f *fakeClient) ListContinue(ctx context.Context, cursor string) (remote.ListResult, error) {
	return f.nextBatch()
}

func (f *fakeClient) nextBatch() (remote.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return remote.ListResult{Cursor: "done"}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeClient) LongPoll(ctx context.Context, cursor string) (remote.LongPollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lpCalls++
	if len(f.longpolls) == 0 {
		return remote.LongPollResult{}, nil
	}
	r := f.longpolls[0]
	f.longpolls = f.longpolls[1:]
	return r, nil
}

func TestRunBuildsTreeAndPublishesCursor(t *testing.T) {
	fc := &fakeClient{
		batches: []remote.ListResult{
			{
				Entries: []remote.Entry{
					{Kind: remote.KindFolder, PathDisplay: "/Public/a"},
					{Kind: remote.KindFile, PathDisplay: "/Public/a/x.txt", Rev: "r1", Size: 10},
				},
				Cursor:  "c1",
				HasMore: false,
			},
		},
	}
	c := New(fc, "/Public", 16)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Cursor() == "c1"
	}, time.Second, 5*time.Millisecond)

	entries, cursor, err := c.List("a")
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.txt", entries[0].Name)
}

func TestSubscribeReturnsImmediatelyWhenCursorDiffers(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, "/Public", 16)
	c.publishCursor("c1")

	ctx := context.Background()
	result := c.Subscribe(ctx, "stale", time.Second)
	assert.Equal(t, Changed, result)
}

func TestSubscribeTimesOutUnchanged(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, "/Public", 16)
	c.publishCursor("c1")

	ctx := context.Background()
	start := time.Now()
	result := c.Subscribe(ctx, "c1", 50*time.Millisecond)
	assert.Equal(t, Unchanged, result)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSubscribeWakesOnAdvance(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, "/Public", 16)
	c.publishCursor("c1")

	done := make(chan SubscribeResult, 1)
	go func() {
		done <- c.Subscribe(context.Background(), "c1", 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	c.publishCursor("c2")

	select {
	case r := <-done:
		assert.Equal(t, Changed, r)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not wake on cursor advance")
	}
}

func TestMergeInvalidBatchMarksDegraded(t *testing.T) {
	fc := &fakeClient{
		batches: []remote.ListResult{
			{
				Entries: []remote.Entry{
					{Kind: remote.KindFile, PathDisplay: "/Public/a", Rev: "r1", Size: 1},
				},
				Cursor:  "c1",
				HasMore: true,
			},
			{
				Entries: []remote.Entry{
					{Kind: remote.KindFile, PathDisplay: "/Public/a/b", Rev: "r2", Size: 1},
				},
				Cursor: "c2",
			},
		},
	}
	c := New(fc, "/Public", 16)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return !c.Healthy()
	}, time.Second, 5*time.Millisecond)
}
