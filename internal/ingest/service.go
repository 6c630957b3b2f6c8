// Package ingest accepts uploads, stores their bytes and records them as pending videos.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"video-feed-pipeline/internal/blob"
	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/keys"
	"video-feed-pipeline/internal/models"
	"video-feed-pipeline/internal/store"
	"video-feed-pipeline/internal/telemetry"
)

// Catalog is the part of the metadata store ingest writes to.
type Catalog interface {
	CreateVideo(ctx context.Context, p store.CreateVideoParams) (models.Video, error)
}

// Options tunes validation and I/O bounds.
type Options struct {
	AcceptedTypes []string
	MaxBytes      int64
	IOTimeout     time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Service is the write path: blob first, then metadata, never waiting on processing.
type Service struct {
	catalog  Catalog
	blobs    blob.Store
	accepted []string
	maxBytes int64
	timeout  time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

// Upload is a single authenticated upload request.
type Upload struct {
	OwnerID     string
	Filename    string
	ContentType string
	Body        io.Reader
	Title       string
	Description string
	IsReel      bool
}

func New(catalog Catalog, blobs blob.Store, opts Options) *Service {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 512 * 1024 * 1024
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	accepted := make([]string, 0, len(opts.AcceptedTypes))
	for _, t := range opts.AcceptedTypes {
		accepted = append(accepted, strings.ToLower(strings.TrimSpace(t)))
	}
	return &Service{
		catalog:  catalog,
		blobs:    blobs,
		accepted: accepted,
		maxBytes: opts.MaxBytes,
		timeout:  opts.IOTimeout,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// Ingest validates and stores an upload and returns the pending record.
// If the blob write fails nothing is recorded. If the metadata insert fails
// the blob is left behind for garbage collection.
func (s *Service) Ingest(ctx context.Context, u Upload) (models.Video, error) {
	v, err := s.ingest(ctx, u)
	if err != nil {
		telemetry.IngestRejects.WithLabelValues(string(models.KindOf(err))).Inc()
		return models.Video{}, err
	}
	telemetry.VideosIngested.Inc()
	return v, nil
}

func (s *Service) ingest(ctx context.Context, u Upload) (models.Video, error) {
	if strings.TrimSpace(u.OwnerID) == "" {
		return models.Video{}, models.InputError("ingest", errors.New("owner id is required"))
	}
	mediaType, err := s.checkContentType(u.ContentType)
	if err != nil {
		return models.Video{}, err
	}
	data, err := s.readBody(u.Body)
	if err != nil {
		return models.Video{}, err
	}
	if err := sniff(data); err != nil {
		return models.Video{}, err
	}

	key := keys.NewVideoKey(s.clock.Now(), u.Filename)
	log := s.log.With("owner_id", u.OwnerID, "blob_key", key)

	putCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.blobs.Put(putCtx, key, data, mediaType)
	cancel()
	if err != nil {
		log.Error("blob write failed", "error", err)
		return models.Video{}, models.StorageError("put blob", err)
	}

	insertCtx, cancel := context.WithTimeout(ctx, s.timeout)
	v, err := s.catalog.CreateVideo(insertCtx, store.CreateVideoParams{
		OwnerID:     u.OwnerID,
		Title:       strings.TrimSpace(u.Title),
		Description: strings.TrimSpace(u.Description),
		BlobKey:     key,
		ContentType: mediaType,
		SizeBytes:   int64(len(data)),
		IsReel:      u.IsReel,
	})
	cancel()
	if err != nil {
		log.Warn("metadata insert failed, blob orphaned", "error", err)
		return models.Video{}, models.StorageError("create video", err)
	}

	log.Info("video ingested", "video_id", v.ID, "size_bytes", v.SizeBytes, "is_reel", v.IsReel)
	return v, nil
}

func (s *Service) checkContentType(contentType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", models.InputError("ingest", fmt.Errorf("invalid content type %q: %w", contentType, err))
	}
	mediaType = strings.ToLower(mediaType)
	if !s.accepts(mediaType) {
		return "", models.InputError("ingest", fmt.Errorf("content type %q is not an accepted video type", mediaType))
	}
	return mediaType, nil
}

// accepts matches exact media types and "type/*" wildcards.
func (s *Service) accepts(mediaType string) bool {
	for _, a := range s.accepted {
		if a == mediaType {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mediaType, prefix+"/") {
			return true
		}
	}
	return false
}

func (s *Service) readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, models.InputError("ingest", errors.New("file is required"))
	}
	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, models.InputError("ingest", fmt.Errorf("read upload: %w", err))
	}
	if len(data) == 0 {
		return nil, models.InputError("ingest", errors.New("file is empty"))
	}
	if int64(len(data)) > s.maxBytes {
		return nil, models.InputError("ingest", fmt.Errorf("file exceeds %d bytes", s.maxBytes))
	}
	return data, nil
}

// sniff rejects payloads whose bytes are recognisably something other than
// video. Unrecognised binary data passes; the declared type already matched.
func sniff(data []byte) error {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		mt := m.String()
		if strings.HasPrefix(mt, "video/") || strings.HasPrefix(mt, "audio/mp4") {
			return nil
		}
	}
	if detected.Is("application/octet-stream") {
		return nil
	}
	return models.InputError("ingest", fmt.Errorf("payload looks like %s, not video", detected.String()))
}
