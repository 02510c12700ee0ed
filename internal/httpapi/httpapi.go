// Package httpapi is the HTTP adaptor: it translates requests into calls
// against a *server.Server and serializes the result, built on
// github.com/go-chi/chi/v5 the way rclone's own HTTP layer is chi-based
// (lib/http/http_test.go exercises chi.Router directly).
package httpapi

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sujayakar/public-domain/internal/coreerr"
	"github.com/sujayakar/public-domain/internal/log"
	"github.com/sujayakar/public-domain/internal/metacache"
	"github.com/sujayakar/public-domain/internal/server"
	"github.com/sujayakar/public-domain/internal/tree"
)

var logger = log.For("http")

//go:embed templates/folder.html.tmpl
var templateFS embed.FS

var folderTemplate = template.Must(template.ParseFS(templateFS, "templates/folder.html.tmpl"))

// NewRouter builds the gateway's chi router over srv.
func NewRouter(srv *server.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", healthzHandler(srv))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/subscribe/{cursor}", subscribeHandler(srv))

	rootPrefix := strings.TrimPrefix(srv.Root, "/")
	browse := browseHandler(srv)
	if rootPrefix == "" {
		r.Get("/", browse)
		r.Get("/*", browse)
	} else {
		r.Get("/"+rootPrefix, browse)
		r.Get("/"+rootPrefix+"/", browse)
		r.Get("/"+rootPrefix+"/*", browse)
	}

	return r
}

// requestLogger tags each request with a uuid correlation id and logs
// method/path/status/duration; the original has bare print()s, this is the
// structured equivalent.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Infof(id, "%s %s -> %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func healthzHandler(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !srv.Meta.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "degraded"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}
}

func subscribeHandler(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cursor := chi.URLParam(r, "cursor")
		result := srv.Meta.Subscribe(r.Context(), cursor, metacache.DefaultSubscribeDeadline)
		w.Header().Set("Content-Type", "application/json")
		if result == metacache.Changed {
			_ = json.NewEncoder(w).Encode(map[string]string{"result": "refresh"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	}
}

func browseHandler(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := relativePath(srv.Root, r.URL.Path)

		if st, err := srv.Meta.Stat(rel); err == nil {
			serveFile(w, r, srv, rel, st)
			return
		} else if !errors.Is(err, coreerr.ErrIsDirectory) {
			writeStatError(w, err)
			return
		}

		serveFolder(w, r, srv, rel)
	}
}

// relativePath strips the configured root prefix from the request path,
// mirroring internal/metacache's own root-relative addressing.
func relativePath(root, urlPath string) string {
	urlPath = path.Clean("/" + urlPath)
	rootPrefix := strings.TrimPrefix(root, "/")
	rel := strings.TrimPrefix(urlPath, "/"+rootPrefix)
	return strings.Trim(rel, "/")
}

func serveFolder(w http.ResponseWriter, r *http.Request, srv *server.Server, rel string) {
	entries, cursor, err := srv.Meta.List(rel)
	if err != nil {
		writeStatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Path    string
		Cursor  string
		Entries []tree.DirEntry
	}{Path: rel, Cursor: cursor, Entries: entries}
	if err := folderTemplate.Execute(w, data); err != nil {
		logger.Errorf(rel, "rendering folder listing failed: %v", err)
	}
}

func serveFile(w http.ResponseWriter, r *http.Request, srv *server.Server, rel string, st tree.File) {
	etag := quotedETag(st.Rev)

	if inm := r.Header.Get("If-None-Match"); inm != "" && srv.ETags.IsCurrent(rel, inm) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if r.Header.Get("Range") != "" {
		url, err := srv.TempLinks.Get(r.Context(), rel)
		if err != nil {
			writeStatError(w, err)
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	_, headers, body, err := srv.Blocks.Get(r.Context(), rel)
	if err != nil {
		writeStatError(w, err)
		return
	}
	defer body.Close()

	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	srv.ETags.Register(rel, st, etag)

	name := path.Base(rel)
	contentType, known := srv.Mime.Guess(name)
	if known {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}

	w.WriteHeader(http.StatusOK)
	chunkSize := srv.Blocks.ChunkSize()
	if chunkSize <= 0 {
		chunkSize = 256 * 1024
	}
	_, _ = io.CopyBuffer(w, body, make([]byte, chunkSize))
}

func quotedETag(rev string) string {
	return strconv.Quote(rev)
}

func writeStatError(w http.ResponseWriter, err error) {
	var remoteErr *coreerr.RemoteError
	switch {
	case errors.Is(err, coreerr.ErrNotFound), errors.Is(err, coreerr.ErrIsDirectory), errors.Is(err, coreerr.ErrIsFile):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &remoteErr):
		http.Error(w, "remote error", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
