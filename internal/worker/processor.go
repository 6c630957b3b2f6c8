package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"video-feed-pipeline/internal/blob"
	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/keys"
	"video-feed-pipeline/internal/models"
	"video-feed-pipeline/internal/store"
	"video-feed-pipeline/internal/telemetry"
)

// Queue is the part of the metadata store the worker drives.
type Queue interface {
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]models.Video, error)
	MarkReady(ctx context.Context, id, thumbnailKey string) error
	MarkFailed(ctx context.Context, id, workerID, reason string) error
	ReleaseClaim(ctx context.Context, id, workerID string, transformFailed bool) error
}

// Transform derives a thumbnail from the source bytes of a video.
// Errors wrapped with models.Permanent are not retried.
type Transform func(ctx context.Context, video models.Video, source []byte) ([]byte, error)

// Options holds the processing knobs, normally built from config.
type Options struct {
	WorkerID       string
	BatchSize      int
	LeaseDuration  time.Duration
	RetryLimit     int
	Concurrency    int
	IOTimeout      time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// OptionsFromConfig maps the worker settings of cfg onto Options.
func OptionsFromConfig(cfg config.Config, workerID string) Options {
	return Options{
		WorkerID:       workerID,
		BatchSize:      cfg.BatchSize,
		LeaseDuration:  cfg.LeaseDuration,
		RetryLimit:     cfg.RetryLimit,
		Concurrency:    cfg.WorkerConcurrency,
		IOTimeout:      cfg.IOTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

// Processor claims pending videos and turns them into ready or failed ones.
type Processor struct {
	opts      Options
	queue     Queue
	blobs     blob.Store
	transform Transform
	clock     clock.Clock
	log       *slog.Logger

	mu            sync.Mutex
	claimFailures int
	pausedUntil   time.Time
}

// TickResult counts how the claimed batch was resolved.
type TickResult struct {
	Claimed   int
	Ready     int
	Failed    int
	Released  int
	Abandoned int
	Skipped   int
}

type outcome int

const (
	outcomeReady outcome = iota
	outcomeFailed
	outcomeReleased
	outcomeAbandoned
	outcomeSkipped
)

func NewProcessor(q Queue, blobs blob.Store, transform Transform, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 2 * time.Minute
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 30 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		opts:      opts,
		queue:     q,
		blobs:     blobs,
		transform: transform,
		clock:     opts.Clock,
		log:       opts.Logger.With("worker_id", opts.WorkerID),
	}
}

// Tick claims one batch and resolves every video in it. Per-video errors are
// absorbed into the result; only a failed claim is returned as an error.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	now := p.clock.Now()
	p.mu.Lock()
	paused := now.Before(p.pausedUntil)
	p.mu.Unlock()
	if paused {
		return TickResult{}, nil
	}

	claimCtx, cancel := context.WithTimeout(ctx, p.opts.IOTimeout)
	batch, err := p.queue.ClaimBatch(claimCtx, p.opts.WorkerID, p.opts.BatchSize, p.opts.LeaseDuration)
	cancel()
	if err != nil {
		telemetry.ClaimErrors.Inc()
		p.mu.Lock()
		p.claimFailures++
		wait := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, p.claimFailures)
		p.pausedUntil = now.Add(wait)
		p.mu.Unlock()
		p.log.Error("claim batch failed", "error", err, "pause", wait)
		return TickResult{}, models.StorageError("claim batch", err)
	}
	p.mu.Lock()
	p.claimFailures = 0
	p.mu.Unlock()

	res := TickResult{Claimed: len(batch)}
	if len(batch) == 0 {
		return res, nil
	}
	telemetry.WorkerClaimed.Add(float64(len(batch)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.opts.Concurrency)
	for _, v := range batch {
		v := v
		g.Go(func() error {
			telemetry.InFlightGauge.Inc()
			start := time.Now()
			o := p.process(ctx, v)
			telemetry.ProcessDuration.Observe(time.Since(start).Seconds())
			telemetry.InFlightGauge.Dec()

			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeReady:
				res.Ready++
			case outcomeFailed:
				res.Failed++
			case outcomeReleased:
				res.Released++
			case outcomeAbandoned:
				res.Abandoned++
			case outcomeSkipped:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// process handles one claimed video. Fetch, transform and upload must finish
// inside the lease; the outcome is then written on a context detached from
// that deadline.
func (p *Processor) process(ctx context.Context, v models.Video) outcome {
	log := p.log.With("video_id", v.ID, "blob_key", v.BlobKey, "attempt", v.Attempts)
	if v.Status != models.StatusPending {
		log.Info("video no longer pending, skipping", "status", v.Status)
		return outcomeSkipped
	}
	now := p.clock.Now()
	if v.ClaimedBy != p.opts.WorkerID || !v.Claimed(now) {
		log.Warn("lease ran out before processing started", "claimed_until", v.ClaimedUntil)
		return outcomeAbandoned
	}
	if v.ExpiredLeases >= p.opts.RetryLimit {
		return p.fail(ctx, log, v, models.ProcessingError("process",
			fmt.Errorf("lease expired %d times without a result", v.ExpiredLeases)))
	}

	work, cancel := context.WithTimeout(ctx, p.workBudget(v, now))
	defer cancel()

	thumbKey := keys.ThumbnailKey(v.BlobKey)

	err := p.withIO(work, func(ioCtx context.Context) error {
		ok, err := p.blobs.Exists(ioCtx, thumbKey)
		if err == nil && ok {
			return errArtifactExists
		}
		return err
	})
	switch {
	case errors.Is(err, errArtifactExists):
		log.Info("thumbnail already stored, completing without transform")
		return p.complete(ctx, log, v, thumbKey)
	case err != nil:
		return p.retry(ctx, log, v, models.StorageError("check thumbnail", err))
	}

	var source []byte
	err = p.withIO(work, func(ioCtx context.Context) error {
		var err error
		source, err = p.blobs.Get(ioCtx, v.BlobKey)
		return err
	})
	if errors.Is(err, blob.ErrNotFound) {
		return p.fail(ctx, log, v, models.NotFoundError("get source", err))
	}
	if err != nil {
		return p.retry(ctx, log, v, models.StorageError("get source", err))
	}

	thumb, err := p.transform(work, v, source)
	if err == nil && len(thumb) == 0 {
		err = errors.New("transform produced no output")
	}
	if err != nil {
		perr := models.ProcessingError("transform", err)
		if models.IsPermanent(err) {
			return p.fail(ctx, log, v, perr)
		}
		return p.retry(ctx, log, v, perr)
	}

	err = p.withIO(work, func(ioCtx context.Context) error {
		return p.blobs.Put(ioCtx, thumbKey, thumb, "image/jpeg")
	})
	if err != nil {
		return p.retry(ctx, log, v, models.StorageError("put thumbnail", err))
	}
	return p.complete(ctx, log, v, thumbKey)
}

var errArtifactExists = errors.New("artifact exists")

// workBudget is the time left on the lease minus room for writing the outcome.
func (p *Processor) workBudget(v models.Video, now time.Time) time.Duration {
	left := v.ClaimedUntil.Sub(now)
	if reserve := p.opts.IOTimeout; left > 2*reserve {
		return left - reserve
	}
	return left / 2
}

// withIO bounds a single I/O call by the configured timeout.
func (p *Processor) withIO(ctx context.Context, fn func(context.Context) error) error {
	ioCtx, cancel := context.WithTimeout(ctx, p.opts.IOTimeout)
	defer cancel()
	return fn(ioCtx)
}

// settle writes an outcome to the queue. It ignores deadlines on ctx but not
// shutdown: once ctx is cancelled the claim is left for lease expiry.
func (p *Processor) settle(ctx context.Context, fn func(context.Context) error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return p.withIO(context.WithoutCancel(ctx), fn)
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, v models.Video, thumbKey string) outcome {
	err := p.settle(ctx, func(ioCtx context.Context) error {
		return p.queue.MarkReady(ioCtx, v.ID, thumbKey)
	})
	switch {
	case errors.Is(err, store.ErrNotPending):
		log.Warn("video reached another terminal state first", "error", err)
		return outcomeSkipped
	case err != nil:
		// The artifact is stored; the next claim after lease expiry completes it.
		log.Error("mark ready failed, leaving lease to expire", "error", err)
		return outcomeAbandoned
	}
	telemetry.WorkerReady.Inc()
	log.Info("video ready", "thumbnail_key", thumbKey)
	return outcomeReady
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, v models.Video, cause error) outcome {
	kind := models.KindOf(cause)
	reason := fmt.Sprintf("%s: %v", kind, cause)
	err := p.settle(ctx, func(ioCtx context.Context) error {
		return p.queue.MarkFailed(ioCtx, v.ID, p.opts.WorkerID, reason)
	})
	switch {
	case errors.Is(err, store.ErrClaimLost), errors.Is(err, store.ErrNotPending):
		log.Warn("video no longer held by this worker, dropping failure", "error", err, "cause", cause)
		return outcomeSkipped
	case err != nil:
		log.Error("mark failed failed, leaving lease to expire", "error", err, "cause", cause)
		return outcomeAbandoned
	}
	telemetry.WorkerFailed.WithLabelValues(string(kind)).Inc()
	log.Warn("video failed", "kind", kind, "error", cause)
	return outcomeFailed
}

// retry releases the lease so the video is claimable on the next tick.
// Storage errors are retried without limit; failed transforms are counted
// and fail the video once RetryLimit is reached.
func (p *Processor) retry(ctx context.Context, log *slog.Logger, v models.Video, cause error) outcome {
	transformFailed := models.KindOf(cause) == models.KindProcessing
	if transformFailed && v.TransformFailures+1 >= p.opts.RetryLimit {
		return p.fail(ctx, log, v, fmt.Errorf("giving up after %d failed transforms: %w", v.TransformFailures+1, cause))
	}
	err := p.settle(ctx, func(ioCtx context.Context) error {
		return p.queue.ReleaseClaim(ioCtx, v.ID, p.opts.WorkerID, transformFailed)
	})
	switch {
	case errors.Is(err, store.ErrClaimLost), errors.Is(err, store.ErrNotPending):
		log.Warn("video no longer held by this worker, nothing to release", "error", err, "cause", cause)
		return outcomeSkipped
	case err != nil:
		log.Error("release claim failed, leaving lease to expire", "error", err, "cause", cause)
		return outcomeAbandoned
	}
	telemetry.WorkerReleased.Inc()
	log.Warn("retryable error, lease released", "kind", models.KindOf(cause), "error", cause)
	return outcomeReleased
}

// Run ticks every PollInterval until ctx is cancelled. Claims in flight at
// shutdown are abandoned and recovered by lease expiry.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	s := NewScheduler(interval, p.clock, func(ctx context.Context) {
		res, err := p.Tick(ctx)
		if err != nil {
			return
		}
		if res.Claimed > 0 {
			p.log.Info("tick complete", "claimed", res.Claimed, "ready", res.Ready, "failed", res.Failed,
				"released", res.Released, "abandoned", res.Abandoned, "skipped", res.Skipped)
		}
	})
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := base
	for i := 1; i < attempt && wait < max; i++ {
		wait *= 2
	}
	if wait > max {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
