package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classecho/backend/config"
	"github.com/classecho/backend/internal/collection"
	"github.com/classecho/backend/internal/enrich"
	"github.com/classecho/backend/internal/worker"
	"github.com/classecho/backend/pkg/database"
	"github.com/classecho/backend/pkg/queue"
	redisclient "github.com/classecho/backend/pkg/redis"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redisclient.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer rdb.Close()

	store := collection.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	annotator := enrich.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model)

	processor := worker.NewAnalysisProcessor(store, annotator, jobQueue, logger)

	go processor.Run(ctx)
	logger.Info("analysis worker started", zap.String("queue", queue.QueueAnalysis))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
	cancel()
	// Give an in-flight job a moment to finish its current step.
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}
