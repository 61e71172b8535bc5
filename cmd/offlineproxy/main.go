// Command offlineproxy serves a web application through an offline cache.
//
// Responses for the application's shell are pre-cached at startup from a
// manifest and served cache-first; everything else same-origin is cached as
// it is fetched. When the upstream is unreachable, page loads receive the
// cached offline page.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meigma/offline"
	offlinehttp "github.com/meigma/offline/http"
	"github.com/meigma/offline/internal/config"
	"github.com/meigma/offline/internal/telemetry"
	"github.com/meigma/offline/manifest"
	"github.com/meigma/offline/store"
	"github.com/meigma/offline/store/disk"
	"github.com/meigma/offline/store/memory"
	"github.com/meigma/offline/store/sqlite"
)

const (
	serviceName     = "offlineproxy"
	shutdownTimeout = 10 * time.Second
)

type flags struct {
	sqliteDriver string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	f, err := parseFlags(args, &cfg, stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	origin, _ := cfg.OriginURL()
	upstream, _ := cfg.UpstreamURL()

	var static staticCaches
	storage, closeStorage, err := openStorage(cfg, f.sqliteDriver, static.has)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn("close storage failed", slog.Any("error", err))
		}
	}()

	m := manifest.Default()
	if cfg.Manifest != "" {
		if m, err = manifest.Load(cfg.Manifest); err != nil {
			return err
		}
	}

	fetcher := offlinehttp.NewClient(
		offlinehttp.WithUpstream(origin, upstream),
		offlinehttp.WithHeader("Via", "1.1 "+serviceName),
	)
	reg, err := offline.NewRegistration(origin, storage,
		offline.WithFetcher(fetcher),
		offline.WithLogger(logger))
	if err != nil {
		return err
	}

	watching := cfg.Watch && cfg.Manifest != ""
	static.add(m)
	if _, err := reg.Register(ctx, m); err != nil {
		// With a watcher a fixed manifest can still recover the proxy.
		if !watching {
			return err
		}
		logger.Error("initial install failed", slog.Any("error", err))
	}
	if watching {
		go func() {
			err := manifest.Watch(ctx, cfg.Manifest, logger, func(m *manifest.Manifest) {
				static.add(m)
				if _, err := reg.Register(ctx, m); err != nil {
					logger.Warn("register reloaded manifest failed", slog.Any("error", err))
				}
			})
			if err != nil {
				logger.Error("manifest watch stopped", slog.Any("error", err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", cfg.Addr),
			slog.String("origin", origin.String()),
			slog.String("upstream", upstream.String()),
			slog.String("storage", cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseFlags applies command-line overrides on top of cfg.
func parseFlags(args []string, cfg *config.Config, stderr io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "public origin of the application, e.g. https://app.example.com")
	fs.StringVar(&cfg.Upstream, "upstream", cfg.Upstream, "upstream server (defaults to origin)")
	fs.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "manifest YAML file (built-in manifest when empty)")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "storage backend: memory, disk or sqlite")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "directory (disk) or database file (sqlite)")
	fs.Int64Var(&cfg.MaxStoreBytes, "max-store-bytes", cfg.MaxStoreBytes, "byte limit per dynamic cache for disk storage (0 = unlimited)")
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "reload the manifest file when it changes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&f.sqliteDriver, "sqlite-driver", sqlite.DefaultDriver, "database/sql driver for sqlite storage")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

// staticCaches holds the static cache name of every manifest registered so
// far. The per-store byte limit never applies to them: eviction there would
// break the installed shell.
type staticCaches struct {
	names sync.Map
}

func (c *staticCaches) add(m *manifest.Manifest) {
	c.names.Store(m.StaticCache, struct{}{})
}

func (c *staticCaches) has(name string) bool {
	_, ok := c.names.Load(name)
	return ok
}

func openStorage(cfg config.Config, sqliteDriver string, unlimited func(name string) bool) (store.Storage, func() error, error) {
	switch cfg.Storage {
	case config.StorageDisk:
		s, err := disk.New(cfg.StoragePath, disk.WithQuota(func(name string) int64 {
			if unlimited(name) {
				return 0
			}
			return cfg.MaxStoreBytes
		}))
		if err != nil {
			return nil, nil, fmt.Errorf("open disk storage: %w", err)
		}
		return s, s.Close, nil
	case config.StorageSQLite:
		s, err := sqlite.Open(cfg.StoragePath, sqlite.WithDriver(sqliteDriver))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return s, s.Close, nil
	default:
		return memory.New(), func() error { return nil }, nil
	}
}
