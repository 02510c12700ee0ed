// Package server wires together the Metadata Cache, Block Cache, ETag Cache
// and TempLink Cache around a single Remote client into the one long-lived
// Server value the HTTP adaptor is handed, instead of the module-level
// singletons a naive port of the original script would reach for.
package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sujayakar/public-domain/internal/blockcache"
	"github.com/sujayakar/public-domain/internal/etagcache"
	"github.com/sujayakar/public-domain/internal/log"
	"github.com/sujayakar/public-domain/internal/metacache"
	"github.com/sujayakar/public-domain/internal/mimeguess"
	"github.com/sujayakar/public-domain/internal/remote"
	"github.com/sujayakar/public-domain/internal/templinkcache"
)

var logger = log.For("server")

// Server owns every collaborator the HTTP adaptor needs to answer a request:
// the normalized remote facade and the four caches layered on top of it.
type Server struct {
	Remote    *remote.Client
	Meta      *metacache.Cache
	Blocks    *blockcache.Cache
	ETags     *etagcache.Cache
	TempLinks *templinkcache.Cache
	Mime      mimeguess.Guesser

	Root            string
	PrefetchThreads int
}

// Config collects the construction parameters, after internal/config has
// resolved them from the [gateway] section of the config file.
type Config struct {
	AccessToken string
	Root        string
	CacheDir    string

	ChunkSize       int64
	PrefetchSize    int64
	CacheableSize   int64
	MaxCacheSize    int64
	PrefetchThreads int

	DirtyQueueCapacity int
}

// New builds a Server and its cache stack from cfg. It does not start the
// sync worker or prefetch pool; call Run for that.
func New(cfg Config) (*Server, error) {
	client := remote.New(cfg.AccessToken)

	meta := metacache.New(client, cfg.Root, cfg.DirtyQueueCapacity)

	blocks, err := blockcache.New(cfg.CacheDir, blockcache.Params{
		ChunkSize:       cfg.ChunkSize,
		PrefetchSize:    cfg.PrefetchSize,
		CacheableSize:   cfg.CacheableSize,
		MaxSize:         cfg.MaxCacheSize,
		PrefetchThreads: cfg.PrefetchThreads,
	}, meta, client)
	if err != nil {
		return nil, err
	}

	return &Server{
		Remote:          client,
		Meta:            meta,
		Blocks:          blocks,
		ETags:           etagcache.New(meta),
		TempLinks:       templinkcache.New(meta, client),
		Mime:            mimeguess.New(),
		Root:            cfg.Root,
		PrefetchThreads: cfg.PrefetchThreads,
	}, nil
}

// Run drives the sync worker and the prefetch worker pool until ctx is
// cancelled or one of them returns a non-nil error, grounded on
// backend/cache/handle.go's pattern of fanning a single dirty-item channel
// out to a fixed pool of workers via golang.org/x/sync/errgroup.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.Meta.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	threads := s.PrefetchThreads
	dirty := s.Meta.Dirty()
	for i := 0; i < threads; i++ {
		g.Go(func() error {
			s.Blocks.RunPrefetchWorker(ctx, dirty)
			return nil
		})
	}

	logger.Infof(s.Root, "sync worker and %d prefetch workers started", threads)
	return g.Wait()
}
