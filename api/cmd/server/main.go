package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"geoProcessor/api/cache"
	"geoProcessor/api/cleanup"
	"geoProcessor/api/config"
	"geoProcessor/api/database"
	"geoProcessor/api/handlers"
	"geoProcessor/api/jobrunner"
	"geoProcessor/api/middleware"
	"geoProcessor/api/reconciler"
	"geoProcessor/api/repository"
	"geoProcessor/api/service"
	"geoProcessor/api/storage"
	"geoProcessor/api/validation"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("API service starting", zap.String("port", cfg.Port))

	db, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	defer db.Close()

	repo := repository.NewPostgresRepo(db)
	if err := repo.Migrate(ctx); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}

	redisCache, err := database.ConnectCache(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("Redis connection failed", zap.Error(err))
	}
	defer redisCache.Close()
	statusCache := cache.NewRedisStatusCache(redisCache)

	runner, err := jobrunner.NewKafkaRunner(cfg.KafkaBrokers, cfg.KafkaTopic, redisCache)
	if err != nil {
		logger.Fatal("Kafka producer init failed", zap.Error(err))
	}
	defer runner.Close()

	store, err := storage.NewResultStore(&cfg.S3)
	if err != nil {
		logger.Fatal("Result store init failed", zap.Error(err))
	}

	guard := validation.NewGeometryGuard(cfg.MaxAOIAreaKm2)
	submitter := service.NewSubmitter(repo, runner, logger, cfg.SubmitBackoff)
	taskService := service.NewTaskService(
		repo, statusCache, runner, guard, submitter, logger,
		cfg.TaskRetention, cfg.MaxSubmitRetries,
	)

	rec := reconciler.New(
		repo, runner, store, statusCache, logger,
		cfg.ReconcileInterval, cfg.ReconcileConcurrency, cfg.ReconcileBatchSize,
		cfg.DownloadURLTTL,
	)
	go rec.Run(ctx)

	sweeper := cleanup.NewSweeper(repo, logger, cfg.CleanupInterval)
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	handlers.NewTaskHandler(taskService, logger).Register(mux)

	// TraceID sits outermost so the logging and recovery layers see the id.
	handler := middleware.Recovery(logger)(mux)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Principal(handler)
	handler = middleware.TraceID(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}
