package store

import (
	"context"
	"errors"
	"time"

	"video-feed-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when no video exists with the requested id.
	ErrNotFound = errors.New("video not found")
	// ErrNotPending is returned when a completion targets a record that already
	// reached a different terminal state.
	ErrNotPending = errors.New("video is not pending")
	// ErrClaimLost is returned when a worker resolves a pending video whose
	// lease it no longer holds.
	ErrClaimLost = errors.New("claim held by another worker")
)

// VideoStore is the catalog of uploaded videos and the work queue the worker claims from.
type VideoStore interface {
	CreateVideo(ctx context.Context, p CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context, p ListParams) ([]models.Video, error)

	// ClaimBatch leases up to limit pending, unclaimed (or lease-expired) videos,
	// oldest first, to workerID in one atomic statement.
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]models.Video, error)
	// MarkReady records the thumbnail and drops the lease. Already-ready videos are left untouched.
	// It does not check the lease holder: the thumbnail key is derived from the blob key,
	// so a late holder's artifact is the same one the current holder would write.
	MarkReady(ctx context.Context, id, thumbnailKey string) error
	// MarkFailed records a terminal failure. Only the current lease holder may do so.
	MarkFailed(ctx context.Context, id, workerID, reason string) error
	// ReleaseClaim drops workerID's lease so the video can be claimed again.
	// transformFailed also counts one failed transform against the video.
	ReleaseClaim(ctx context.Context, id, workerID string, transformFailed bool) error

	Close()
}

// CreateVideoParams collects inputs required to insert a video.
type CreateVideoParams struct {
	OwnerID     string
	Title       string
	Description string
	BlobKey     string
	ContentType string
	SizeBytes   int64
	IsReel      bool
}

// ListParams pages through the catalog newest first.
type ListParams struct {
	Limit     int
	Offset    int
	ReelsOnly bool
	OwnerID   string
}

const (
	defaultListLimit = 15
	maxListLimit     = 50
)

// Normalized applies the default page size and clamps limit and offset.
func (p ListParams) Normalized() ListParams {
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// resolveNoop explains why a conditional update touched no rows.
// Ready videos are a silent no-op for MarkReady.
func resolveNoop(ctx context.Context, s VideoStore, id string, readyIsNoop bool) error {
	v, err := s.GetVideo(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case readyIsNoop && v.Status == models.StatusReady:
		return nil
	case v.Status != models.StatusPending:
		return ErrNotPending
	default:
		return ErrClaimLost
	}
}
