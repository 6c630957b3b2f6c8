package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"video-feed-pipeline/internal/blob"
	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/store"
	"video-feed-pipeline/internal/telemetry"
	workerproc "video-feed-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker", "env", cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real()
	st, err := store.Open(ctx, cfg, clk)
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}
	defer st.Close()

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open blob store: %v", err)
	}

	transform, err := workerproc.NewTransform(cfg)
	if err != nil {
		log.Fatalf("init thumbnail transform: %v", err)
	}

	opts := workerproc.OptionsFromConfig(cfg, workerID)
	opts.Clock = clk
	opts.Logger = logger
	processor := workerproc.NewProcessor(st, blobs, transform, opts)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started poll=%s batch=%d lease=%s transform=%s",
		workerID, cfg.PollInterval, cfg.BatchSize, cfg.LeaseDuration, cfg.ThumbnailTransform)
	if err := processor.Run(ctx, cfg.PollInterval); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
