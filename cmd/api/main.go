package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tabulate-labs/tabulator/internal/api"
	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/config"
	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
	"github.com/tabulate-labs/tabulator/internal/store"
	"github.com/tabulate-labs/tabulator/internal/store/memory"
	minioclient "github.com/tabulate-labs/tabulator/internal/store/minio"
	"github.com/tabulate-labs/tabulator/internal/store/postgres"
	vk "github.com/tabulate-labs/tabulator/internal/store/valkey"
	"github.com/tabulate-labs/tabulator/internal/work"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Stage registry (fatal on invalid pipeline file)
	reg := registry.Default()
	if cfg.Pipeline.StagesFile != "" {
		reg, err = registry.LoadFile(cfg.Pipeline.StagesFile)
		if err != nil {
			logger.Error("invalid pipeline definition", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("loaded pipeline definition", slog.String("file", cfg.Pipeline.StagesFile))
	}

	ctx := context.Background()
	deps := &api.RouterDeps{}

	// Database (optional — falls back to in-memory run store)
	var runStore engine.RunStore
	pool, err := postgres.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Warn("database connection failed, using in-memory run store", slog.String("error", err.Error()))
		runStore = memory.NewRunStore()
	} else {
		defer pool.Close()
		deps.Pool = pool
		runStore = store.NewRunStore(store.New(pool))
		logger.Info("connected to database")
	}

	// MinIO (optional — falls back to in-memory artifact store)
	var artifacts artifact.Store
	mc, err := minioclient.NewClient(cfg.MinIO)
	if err != nil {
		logger.Warn("minio connection failed, using in-memory artifact store", slog.String("error", err.Error()))
		artifacts = artifact.NewMemoryStore()
	} else {
		if err := mc.EnsureBucket(ctx); err != nil {
			logger.Warn("minio bucket check failed, using in-memory artifact store", slog.String("error", err.Error()))
			artifacts = artifact.NewMemoryStore()
		} else {
			artifacts = mc
			logger.Info("connected to minio", slog.String("bucket", mc.Bucket()))
		}
	}

	eng := engine.New(reg, runStore, artifacts, logger)
	eng.SetRetainCancelledProgress(cfg.Pipeline.RetainCancelledProgress)

	// Valkey (optional — enables background dispatch and cascade cancels)
	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Warn("valkey connection failed, dispatch disabled", slog.String("error", err.Error()))
	} else {
		producer := work.NewProducer(vkClient)
		deps.Dispatcher = producer
		eng.SetCanceler(producer)
		defer vkClient.Close()
		logger.Info("connected to valkey")
	}

	router := api.NewRouter(logger, eng, artifacts, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting API server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}
