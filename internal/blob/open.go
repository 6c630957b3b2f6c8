package blob

import (
	"context"
	"fmt"

	"video-feed-pipeline/internal/config"
)

// Open returns the blob backend named by cfg.BlobBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobBackend {
	case "fs":
		return NewFS(cfg.BlobDir)
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.BlobBackend)
	}
}
