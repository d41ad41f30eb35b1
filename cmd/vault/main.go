package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"filevault/internal/app"
	"filevault/internal/config"
	"filevault/internal/ratelimit"
	"filevault/internal/server"
	"filevault/internal/util"
	"filevault/pkg/queue"
	"filevault/pkg/search"
	"filevault/pkg/storage"
	"filevault/pkg/store"
	"filevault/pkg/validate"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	metaStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	blobs, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store: metaStore,
		Blobs: blobs,
		Queue: jobQueue,
		Gate:  validate.NewGate(validate.WithMaxFileSize(cfg.MaxUploadBytes)),
		SearchCfg: search.Config{
			MinWordLength: cfg.SearchMinWordLength,
			MaxWordLength: cfg.SearchMaxWordLength,
			StopWords:     cfg.SearchStopWords,
		},
		QuotaLimit: cfg.QuotaBytesPerUser,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appCore.StartWorkers(ctx, cfg.QueueConcurrency)

	httpServer := server.New(server.Config{
		App:            appCore,
		Limiter:        limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("vault server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
