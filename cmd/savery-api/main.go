package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"savery/internal/api"
	"savery/internal/catalog"
	"savery/internal/config"
	"savery/internal/listener"
	"savery/internal/parsing"
	"savery/internal/pipeline"
	"savery/internal/stages"
	"savery/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	must(err)
	must(config.InitLogger(cfg.LogLevel, cfg.LogFormat))
	defer func() { _ = zap.L().Sync() }()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	units, err := parsing.LoadCatalog(cfg.UnitsFile)
	must(err)
	parser := parsing.NewParser(units)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cache := catalog.NewCache(db)
	var refresher *catalog.Refresher
	if cfg.CatalogSyncOnStart || cfg.CatalogRefreshInterval > 0 {
		source, err := catalogSource(cfg)
		must(err)
		syncer := catalog.NewSyncService(db, source, parser)
		refresher = catalog.NewRefresher(syncer, cache, time.Duration(cfg.CatalogRefreshInterval)*time.Second)
	}
	if cfg.CatalogSyncOnStart {
		must(refresher.RunOnce(ctx))
	}

	// Plans keep running after a signal so shutdown can drain them.
	pool := pipeline.NewPool(context.Background(), cfg.WorkerCount)
	orch := pipeline.NewOrchestrator(db, parser, stages.Pipeline(cache, db, cfg), pool, statusBase(cfg))

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(cfg, orch, pipeline.NewStatusReader(db), db, parser).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if refresher != nil {
		go func() {
			_ = refresher.Run(ctx)
		}()
	}
	if cfg.InboxProvider != "" {
		conn, err := listener.NewConnector(ctx, cfg)
		must(err)
		inbox := listener.NewService(cfg, db, conn, orch, pipeline.NewStatusReader(db))
		go func() {
			_ = inbox.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("api listening",
			zap.String("addr", cfg.APIAddr),
			zap.String("prefix", cfg.APIPrefix),
			zap.Int("workers", cfg.WorkerCount),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			zap.L().Error("api server stopped", zap.Error(err))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		zap.L().Warn("pipeline shutdown", zap.Error(err))
	}
	zap.L().Info("api stopped")
}

func catalogSource(cfg config.Config) (catalog.Source, error) {
	if strings.TrimSpace(cfg.CatalogAPIBaseURL) != "" {
		if err := cfg.Require("CATALOG_API_TOKEN", cfg.CatalogAPIToken); err != nil {
			return nil, err
		}
		return catalog.NewClient(cfg), nil
	}
	fixture, err := catalog.LoadFixture(cfg.CatalogFixture)
	if err != nil {
		return nil, err
	}
	return fixture, nil
}

func statusBase(cfg config.Config) string {
	if cfg.TaskStatusBaseURL != "" {
		return cfg.TaskStatusBaseURL
	}
	return cfg.APIPrefix + "/tasks"
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
