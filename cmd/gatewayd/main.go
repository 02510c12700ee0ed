// Command gatewayd serves the read-only HTTP gateway, analogous to rclone's
// cmd/serve/http: it loads configuration, builds one server.Server value,
// starts the sync worker and prefetch pool, and serves HTTP until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sujayakar/public-domain/internal/config"
	"github.com/sujayakar/public-domain/internal/httpapi"
	"github.com/sujayakar/public-domain/internal/log"
	"github.com/sujayakar/public-domain/internal/server"
)

var (
	configPath string
	listenAddr string
	verbose    bool
)

var commandDefinition = &cobra.Command{
	Use:   "gatewayd",
	Short: "Serve a read-only HTTP gateway in front of a remote file-hosting backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := commandDefinition.Flags()
	flags.StringVar(&configPath, "config", "gateway.conf", "path to the [gateway] ini config file")
	flags.StringVar(&listenAddr, "addr", ":8080", "address to serve HTTP on")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func run(ctx context.Context) error {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	logger := log.For("gatewayd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		AccessToken:        cfg.AccessToken,
		Root:               cfg.Root,
		CacheDir:           cfg.BlockCache,
		ChunkSize:          cfg.ChunkSize,
		PrefetchSize:       cfg.PrefetchSize,
		CacheableSize:      cfg.CacheableSize,
		MaxCacheSize:       cfg.MaxCacheSize,
		PrefetchThreads:    cfg.PrefetchThreads,
		DirtyQueueCapacity: 256,
	})
	if err != nil {
		return fmt.Errorf("gatewayd: constructing server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:    listenAddr,
		Handler: httpapi.NewRouter(srv),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		logger.Infof(nil, "listening on %s, serving root %s", listenAddr, cfg.Root)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commandDefinition.SetContext(ctx)
	if err := commandDefinition.Execute(); err != nil {
		log.For("gatewayd").Errorf(nil, "fatal: %v", err)
		os.Exit(1)
	}
}
