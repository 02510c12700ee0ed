package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujayakar/public-domain/internal/blockcache"
	"github.com/sujayakar/public-domain/internal/etagcache"
	"github.com/sujayakar/public-domain/internal/metacache"
	"github.com/sujayakar/public-domain/internal/remote"
	"github.com/sujayakar/public-domain/internal/server"
	"github.com/sujayakar/public-domain/internal/templinkcache"
)

// fakeRemote is a hand-rolled stand-in for *remote.Client covering the
// subset of the facade the HTTP adaptor exercises end to end.
type fakeRemote struct {
	batch     remote.ListResult
	bodies    map[string]string
	templinks map[string]string
}

func (f *fakeRemote) ListFolder(ctx context.Context, root string) (remote.ListResult, error) {
	return f.batch, nil
}

func (f *fakeRemote) ListContinue(ctx context.Context, cursor string) (remote.ListResult, error) {
	return remote.ListResult{Cursor: cursor}, nil
}

func (f *fakeRemote) LongPoll(ctx context.Context, cursor string) (remote.LongPollResult, error) {
	<-ctx.Done()
	return remote.LongPollResult{}, ctx.Err()
}

func (f *fakeRemote) Download(ctx context.Context, path string) (remote.DownloadResult, error) {
	body := f.bodies[path]
	return remote.DownloadResult{
		Rev:  "r1",
		Size: uint64(len(body)),
		Body: io.NopCloser(stringsReader(body)),
	}, nil
}

func (f *fakeRemote) TemporaryLink(ctx context.Context, path string) (string, error) {
	return f.templinks[path], nil
}

type stringsReaderT struct {
	s   string
	pos int
}

func stringsReader(s string) *stringsReaderT { return &stringsReaderT{s: s} }

func (r *stringsReaderT) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}

func newTestServer(t *testing.T) (*server.Server, *fakeRemote) {
	t.Helper()
	fr := &fakeRemote{
		batch: remote.ListResult{
			Entries: []remote.Entry{
				{Kind: remote.KindFile, PathDisplay: "/Public/hello.txt", Rev: "r1", Size: 5},
			},
			Cursor:  "c1",
			HasMore: false,
		},
		bodies:    map[string]string{"hello.txt": "hello"},
		templinks: map[string]string{"hello.txt": "https://dl.example/hello.txt"},
	}

	meta := metacache.New(fr, "/Public", 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go meta.Run(ctx)

	require.Eventually(t, func() bool { return meta.Cursor() == "c1" }, time.Second, 5*time.Millisecond)

	blocks, err := blockcache.New(t.TempDir(), blockcache.Params{
		CacheableSize: 1 << 20,
		MaxSize:       1 << 20,
	}, meta, fr)
	require.NoError(t, err)

	srv := &server.Server{
		Remote:    nil,
		Meta:      meta,
		Blocks:    blocks,
		ETags:     etagcache.New(meta),
		TempLinks: templinkcache.New(meta, fr),
		Root:      "/Public",
	}
	return srv, fr
}

func TestServeFolderListing(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/Public/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "hello.txt")
	assert.Contains(t, body, "(5 bytes)")
	assert.Contains(t, body, "</html>")
}

func TestServeFileBody(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/Public/hello.txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, `"r1"`, w.Header().Get("ETag"))
}

func TestServeFileNotModified(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/Public/hello.txt", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/Public/hello.txt", nil)
	req2.Header.Set("If-None-Match", `"r1"`)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusNotModified, w2.Code)
}

func TestServeFileRangeRedirectsToTempLink(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/Public/hello.txt", nil)
	req.Header.Set("Range", "bytes=0-2")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://dl.example/hello.txt", w.Header().Get("Location"))
}

func TestServeMissingPathReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/Public/nope.txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubscribeReportsRefreshWhenCursorStale(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/subscribe/stale-cursor", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "refresh")
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
