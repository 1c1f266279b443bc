package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tabulate-labs/tabulator/internal/config"
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

	// The worker is useless without the task stream.
	vkClient, err := vk.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("valkey connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()

	apiBase := os.Getenv("API_BASE_URL")
	if apiBase == "" {
		apiBase = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	api := work.NewClient(apiBase)

	// S3 source when a bucket is configured, local filesystem otherwise.
	var src work.Source = work.LocalSource{}
	if cfg.S3.Bucket != "" {
		s3src, err := work.NewS3Source(cfg.S3)
		if err != nil {
			logger.Error("s3 source init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		src = s3src
		logger.Info("using s3 source", slog.String("bucket", cfg.S3.Bucket))
	}

	worker := work.NewWorker(api, vkClient, logger)
	worker.Register(work.NewDiscoveryExecutor(src))
	worker.Register(work.NewParseExecutor(src))

	hostname, _ := os.Hostname()
	consumerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	consumer := work.NewConsumer(vkClient, consumerID, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Error("consumer group setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("worker started",
		slog.String("consumer_id", consumerID),
		slog.String("api", apiBase))

	if err := consumer.Consume(ctx, worker.Handle); err != nil && err != context.Canceled {
		logger.Error("consumer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
