// Command mdah-node runs a single manga-image CDN edge node: it
// authenticates to a control plane, heartbeats capacity, serves the
// fixed image URL schema from a disk-backed cache with single-flighted
// upstream fetch, and shuts down gracefully on SIGINT/SIGTERM. Wiring
// modeled on the teacher's main.go (signal.NotifyContext, slog setup,
// background-serve-then-wait-on-ctx.Done shutdown sequencing).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mdah-community/node/internal/cache"
	"github.com/mdah-community/node/internal/clock"
	"github.com/mdah-community/node/internal/config"
	"github.com/mdah-community/node/internal/controlplane"
	"github.com/mdah-community/node/internal/dispatch"
	"github.com/mdah-community/node/internal/fetch"
	"github.com/mdah-community/node/internal/lifecycle"
	"github.com/mdah-community/node/internal/node"
	"github.com/mdah-community/node/internal/tlsmaterial"
)

func main() {
	configPath := flag.String("config", "settings.json", "path to the JSON settings file")
	certPath := flag.String("cert", "server.crt", "path to the TLS certificate written by the control plane")
	keyPath := flag.String("key", "server.key", "path to the TLS private key written by the control plane")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load settings", "path", *configPath, "error", err)
		os.Exit(1)
	}
	settings := cfg.Snapshot()

	level := slog.LevelInfo
	level.UnmarshalText([]byte(settings.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := cfg.Watch(); err != nil {
		slog.Warn("config file watch failed, falling back to heartbeat-driven reload only", "error", err)
	}
	defer cfg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sysClock := clock.System{}
	st := node.New(sysClock, "")

	store, err := cache.NewDiskStore(settings.FSCacheRoot, settings.MaxCacheSizeBytes, settings.WorkerCount)
	if err != nil {
		slog.Error("failed to open cache store", "root", settings.FSCacheRoot, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if settings.ArchiveEnabled {
		archiver, err := cache.NewS3Archiver(ctx, settings.ArchiveBucket, settings.ArchivePrefix)
		if err != nil {
			slog.Warn("cold archive disabled: failed to build S3 client", "error", err)
		} else {
			store.SetArchiver(archiver)
		}
	}

	handler := &dispatch.Handler{
		Store:     store,
		Upstream:  fetch.NewClient(),
		Coalescer: &fetch.Coalescer{},
		Node:      st,
		Clock:     sysClock,
	}

	tlsWriter := tlsmaterial.Writer{CertPath: *certPath, KeyPath: *keyPath}
	control := controlplane.NewClient(cfg, st, tlsWriter, sysClock)

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(settings.ClientPort),
		Handler: handler,
		// spec.md §6: keep-alive timeout 60s, no HTTP/2 requirement.
		IdleTimeout: 60 * time.Second,
	}

	sup := &lifecycle.Supervisor{
		Server:   server,
		Control:  control,
		Node:     st,
		Clock:    sysClock,
		CertPath: *certPath,
		KeyPath:  *keyPath,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- sup.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("listener exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
