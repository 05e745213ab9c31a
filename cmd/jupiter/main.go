package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"jupiter/internal/acl"
	"jupiter/internal/blobstore"
	"jupiter/internal/config"
	"jupiter/internal/gc"
	"jupiter/internal/lastaccess"
	"jupiter/internal/refs"
	"jupiter/internal/server"
	"jupiter/internal/storage"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 20 * time.Second

func openIndex(ctx context.Context, cfg config.MetadataConfig, logger *slog.Logger) (refs.Index, error) {
	switch cfg.Type {
	case config.MetadataPebble:
		return refs.OpenPebbleIndex(cfg.Path)
	default:
		return refs.OpenSQLiteIndex(ctx, cfg.Path, logger)
	}
}

func Run(ctx context.Context) error {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	listen := flag.String("listen", "", "HTTP listen address, overrides the configuration")
	dataDir := flag.String("data-dir", "", "directory to store data, overrides the configuration")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cfg.DataDir = absDataDir
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	backend, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	index, err := openIndex(ctx, cfg.Metadata, logger)
	if err != nil {
		return fmt.Errorf("failed to open ref index: %w", err)
	}
	defer index.Close()

	blobs := blobstore.New(backend, blobstore.WithLogger(logger))

	tracker := lastaccess.New[refs.Key](index,
		lastaccess.WithInterval(cfg.LastAccess.FlushInterval),
		lastaccess.WithShutdownTimeout(cfg.LastAccess.ShutdownTimeout),
		lastaccess.WithLogger(logger),
	)

	refStore := refs.NewStore(index, blobs,
		refs.WithTracker(tracker),
		refs.WithLimits(cfg.Finalize.Limits),
		refs.WithFetchConcurrency(cfg.Finalize.Concurrency),
		refs.WithLogger(logger),
	)

	collector := gc.New(cfg.GC.Config, index, blobs,
		gc.WithFlusher(tracker),
		gc.WithLogger(logger),
	)

	var authorizer acl.Authorizer = acl.AllowAll{}
	if len(cfg.Auth.Namespaces) > 0 {
		authorizer = acl.NewStatic(cfg.Auth.Namespaces)
	}

	srv, err := server.NewServer(blobs, refStore,
		server.WithCollector(collector),
		server.WithAuthenticator(acl.NewBasicAuthenticator(cfg.Auth.Users)),
		server.WithAuthorizer(authorizer),
	)
	if err != nil {
		return fmt.Errorf("failed to create jupiter server: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	var loops []func(context.Context) error
	if cfg.GC.Enabled {
		loops = append(loops, collector.Run)
	} else {
		slog.Debug("Skipping background garbage collection because it is disabled")
	}

	slog.Info("Starting Jupiter HTTP server", "listen", listener.Addr().String(),
		"storage", cfg.Storage.Type, "metadata", cfg.Metadata.Type)
	return serve(ctx, httpServer, listener, tracker, loops...)
}

// serve runs httpServer on listener together with the tracker and any
// background loops until ctx is done. The tracker is stopped, and so
// performs its final flush, only once the HTTP server has drained.
func serve(ctx context.Context, httpServer *http.Server, listener net.Listener,
	tracker interface{ Run(context.Context) error }, loops ...func(context.Context) error) error {
	trackerCtx, stopTracker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTracker()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		defer stopTracker()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		err := httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		return tracker.Run(trackerCtx)
	})

	for _, loop := range loops {
		eg.Go(func() error {
			return loop(ctx)
		})
	}

	slog.Info("Jupiter Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Jupiter exited with error", "error", err)
		os.Exit(1)
	}
}
