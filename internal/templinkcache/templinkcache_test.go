package templinkcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/public-domain/internal/coreerr"
	"github.com/sujayakar/public-domain/internal/tree"
)

type fakeStatter struct {
	files map[string]tree.File
}

func (f *fakeStatter) Stat(path string) (tree.File, error) {
	if v, ok := f.files[path]; ok {
		return v, nil
	}
	return tree.File{}, coreerr.ErrNotFound
}

type fakeFetcher struct {
	calls int
	url   string
}

func (f *fakeFetcher) TemporaryLink(ctx context.Context, path string) (string, error) {
	f.calls++
	return f.url, nil
}

func TestGetFetchesOnceThenCaches(t *testing.T) {
	statter := &fakeStatter{files: map[string]tree.File{"a": {Rev: "r1"}}}
	fetcher := &fakeFetcher{url: "https://dl.example/a"}
	c := New(statter, fetcher)

	u1, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example/a", u1)

	u2, err := c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, u1, u2)
	assert.Equal(t, 1, fetcher.calls)
}

func TestGetRefetchesOnRevChange(t *testing.T) {
	statter := &fakeStatter{files: map[string]tree.File{"a": {Rev: "r1"}}}
	fetcher := &fakeFetcher{url: "https://dl.example/a"}
	c := New(statter, fetcher)

	_, err := c.Get(context.Background(), "a")
	require.NoError(t, err)

	statter.files["a"] = tree.File{Rev: "r2"}
	_, err = c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestGetRefetchesAfterExpiry(t *testing.T) {
	statter := &fakeStatter{files: map[string]tree.File{"a": {Rev: "r1"}}}
	fetcher := &fakeFetcher{url: "https://dl.example/a"}
	c := New(statter, fetcher)

	_, err := c.Get(context.Background(), "a")
	require.NoError(t, err)

	c.mu.Lock()
	rec := c.cache["a"]
	rec.expiresAt = time.Now().Add(-time.Second)
	c.cache["a"] = rec
	c.mu.Unlock()

	_, err = c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}
