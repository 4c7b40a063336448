package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"geoProcessor/worker/config"
	"geoProcessor/worker/jobstate"
	"geoProcessor/worker/kafka"
	"geoProcessor/worker/pool"
	"geoProcessor/worker/raster"
	"geoProcessor/worker/repository"
	"geoProcessor/worker/service"
	"geoProcessor/worker/storage"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Worker service starting", zap.Int("workers", cfg.WorkerCount))

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	defer db.Close()
	repo := repository.NewPostgresRepo(db)

	states, err := jobstate.NewStore(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer states.Close()

	uploader, err := storage.NewUploader(cfg)
	if err != nil {
		logger.Fatal("Result store init failed", zap.Error(err))
	}

	loader := raster.NewLoader(cfg.FetchTimeout, cfg.ReflectanceScale)
	processor := service.NewProcessor(repo, states, uploader, loader, logger)

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID)
	if err != nil {
		logger.Fatal("Kafka consumer init failed", zap.Error(err))
	}
	defer consumer.Close()

	workers := pool.NewWorkerPool(cfg.WorkerCount)
	handler := func(ctx context.Context, unit *kafka.WorkUnit) error {
		workers.Submit(ctx, unit, processor.Process)
		return nil
	}

	for {
		if err := consumer.Consume(ctx, cfg.KafkaTopic, handler); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error("Consumer session ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	logger.Info("Draining in-flight work")
	workers.Wait()
	logger.Info("Worker service stopped")
}
