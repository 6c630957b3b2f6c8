package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-feed-pipeline/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence. Lease deadlines use the
// database clock so workers on different hosts agree on expiry.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ VideoStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const pgColumns = `id, owner_id, title, description, blob_key, content_type, size_bytes, is_reel,
	thumbnail_key, fail_reason, attempts, transform_failures, expired_leases, claimed_by, claimed_until,
	created_at, updated_at`

// CreateVideo inserts a pending, unclaimed video row.
func (s *Postgres) CreateVideo(ctx context.Context, p CreateVideoParams) (models.Video, error) {
	id := uuid.New().String()
	// Postgres keeps microseconds; match what later reads return.
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, owner_id, title, description, blob_key, content_type, size_bytes, is_reel, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.OwnerID, p.Title, p.Description, p.BlobKey, p.ContentType, p.SizeBytes, p.IsReel, now)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}

	return models.Video{
		ID:          id,
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		BlobKey:     p.BlobKey,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		IsReel:      p.IsReel,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetVideo fetches a video by id.
func (s *Postgres) GetVideo(ctx context.Context, id string) (models.Video, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Video{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM videos WHERE id = $1`, id)
	v, err := scanPgVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	return v, nil
}

// ListVideos returns videos newest first.
func (s *Postgres) ListVideos(ctx context.Context, p ListParams) ([]models.Video, error) {
	p = p.Normalized()
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgColumns+` FROM videos
		WHERE ($1 = FALSE OR is_reel) AND ($2 = '' OR owner_id = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`, p.ReelsOnly, p.OwnerID, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	return collectPgVideos(rows)
}

// ClaimBatch selects and leases candidates in a single statement. SKIP LOCKED
// keeps concurrent claimers from blocking on, or returning, each other's rows.
func (s *Postgres) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]models.Video, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id FROM videos
			WHERE thumbnail_key IS NULL AND fail_reason IS NULL
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE videos v
		SET claimed_by = $1,
		    claimed_until = NOW() + make_interval(secs => $3),
		    attempts = v.attempts + 1,
		    expired_leases = v.expired_leases + CASE WHEN v.claimed_until IS NULL THEN 0 ELSE 1 END,
		    updated_at = NOW()
		FROM candidates c
		WHERE v.id = c.id
		RETURNING v.id, v.owner_id, v.title, v.description, v.blob_key, v.content_type, v.size_bytes, v.is_reel,
		          v.thumbnail_key, v.fail_reason, v.attempts, v.transform_failures, v.expired_leases, v.claimed_by, v.claimed_until, v.created_at, v.updated_at
	`, workerID, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	claimed, err := collectPgVideos(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order.
	sortOldestFirst(claimed)
	return claimed, nil
}

func (s *Postgres) MarkReady(ctx context.Context, id, thumbnailKey string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET thumbnail_key = $2, claimed_by = NULL, claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND thumbnail_key IS NULL AND fail_reason IS NULL
	`, id, thumbnailKey)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return resolveNoop(ctx, s, id, true)
	}
	return nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id, workerID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET fail_reason = $2, claimed_by = NULL, claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND thumbnail_key IS NULL AND fail_reason IS NULL AND claimed_by = $3
	`, id, reason, workerID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return resolveNoop(ctx, s, id, false)
	}
	return nil
}

func (s *Postgres) ReleaseClaim(ctx context.Context, id, workerID string, transformFailed bool) error {
	inc := 0
	if transformFailed {
		inc = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET claimed_by = NULL, claimed_until = NULL, transform_failures = transform_failures + $3, updated_at = NOW()
		WHERE id = $1 AND thumbnail_key IS NULL AND fail_reason IS NULL AND claimed_by = $2
	`, id, workerID, inc)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return resolveNoop(ctx, s, id, false)
	}
	return nil
}

func scanPgVideo(row pgx.Row) (models.Video, error) {
	var (
		v            models.Video
		id           pgtype.UUID
		thumb        pgtype.Text
		failReason   pgtype.Text
		claimedBy    pgtype.Text
		claimedUntil pgtype.Timestamptz
	)
	if err := row.Scan(&id, &v.OwnerID, &v.Title, &v.Description, &v.BlobKey, &v.ContentType, &v.SizeBytes, &v.IsReel,
		&thumb, &failReason, &v.Attempts, &v.TransformFailures, &v.ExpiredLeases, &claimedBy, &claimedUntil, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return models.Video{}, err
	}
	v.ID = uuid.UUID(id.Bytes).String()
	applyNullable(&v, textPtr(thumb), textPtr(failReason), textPtr(claimedBy), timePtr(claimedUntil))
	return v, nil
}

func collectPgVideos(rows pgx.Rows) ([]models.Video, error) {
	var out []models.Video
	for rows.Next() {
		v, err := scanPgVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return out, nil
}

// applyNullable fills the tagged domain fields from the nullable storage columns.
func applyNullable(v *models.Video, thumb, failReason, claimedBy *string, claimedUntil *time.Time) {
	v.Status = models.DeriveStatus(thumb, failReason)
	switch v.Status {
	case models.StatusReady:
		v.ThumbnailKey = *thumb
	case models.StatusFailed:
		v.FailReason = *failReason
	}
	if claimedBy != nil {
		v.ClaimedBy = *claimedBy
	}
	v.ClaimedUntil = claimedUntil
}

func sortOldestFirst(videos []models.Video) {
	sort.SliceStable(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		ts := t.Time
		return &ts
	}
	return nil
}
