package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "video-feed-pipeline/internal/api"
	"video-feed-pipeline/internal/blob"
	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/ingest"
	"video-feed-pipeline/internal/ratelimit"
	"video-feed-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api", "env", cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg, clock.Real())
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}
	defer st.Close()

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		log.Printf("REDIS_ADDR not set, upload rate limiting disabled")
	}

	svc := ingest.New(st, blobs, ingest.Options{
		AcceptedTypes: cfg.AcceptedVideoTypes,
		MaxBytes:      cfg.MaxUploadBytes,
		IOTimeout:     cfg.IOTimeout,
		Logger:        logger,
	})
	server := api.New(cfg, st, blobs, svc, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("api listening on :%s metadata=%s blobs=%s", cfg.HTTPPort, cfg.MetadataBackend, cfg.BlobBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
