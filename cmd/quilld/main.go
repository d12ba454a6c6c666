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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/api"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/logging"
	"github.com/quillchat/quill/internal/persist"
	"github.com/quillchat/quill/internal/pool"
	"github.com/quillchat/quill/internal/renderer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := persist.NewStore(cfg.DataDir)
	if err != nil {
		if errors.Is(err, persist.ErrStoreLocked) {
			return fmt.Errorf("%s is in use by another quilld process", cfg.DataDir)
		}
		return err
	}
	defer func() { _ = store.Close() }()
	projects := persist.NewProjectStore(cfg.DataDir)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	terminals := pool.NewManager(pool.Config{
		MaxCapacity:  cfg.MaxTerminals,
		SpawnTimeout: cfg.SpawnTimeout,
		KillGrace:    cfg.KillGrace,
	}, log.Named("pool"), pool.NewMetrics(registry))

	renderers := renderer.NewManager(renderer.ManagerConfig{
		GPUContexts:      cfg.GPUContexts,
		WebGLInitTimeout: cfg.WebGLInitTimeout,
	}, terminals, log.Named("renderer"), registry)

	snapshots := persist.NewManager(store, terminals, projects, log.Named("persist"))
	snapshots.Interval = cfg.SnapshotInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots.Restore(ctx)
	go snapshots.Run(ctx)

	r := chi.NewRouter()
	api.NewHandler(terminals, renderers, projects, log.Named("api")).Mount(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	// Orderly shutdown: persist living terminals before killing them, so
	// the next boot restores their transcripts.
	cancel()
	snapshots.CaptureAll()
	terminals.DestroyAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	return nil
}
