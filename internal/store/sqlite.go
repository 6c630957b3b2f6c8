package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/models"
)

// SQLite is a single-node VideoStore. All access goes through one connection,
// so each statement, including the claim, is serialized by the database.
// Timestamps are stored as Unix nanoseconds taken from the injected clock.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

var _ VideoStore = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT    NOT NULL,
	title         TEXT    NOT NULL DEFAULT '',
	description   TEXT    NOT NULL DEFAULT '',
	blob_key      TEXT    NOT NULL UNIQUE,
	content_type  TEXT    NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	is_reel       INTEGER NOT NULL DEFAULT 0,
	thumbnail_key TEXT,
	fail_reason   TEXT,
	attempts      INTEGER NOT NULL DEFAULT 0,
	transform_failures INTEGER NOT NULL DEFAULT 0,
	expired_leases     INTEGER NOT NULL DEFAULT 0,
	claimed_by    TEXT,
	claimed_until INTEGER,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	CHECK (thumbnail_key IS NULL OR fail_reason IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_videos_pending ON videos (created_at, id)
	WHERE thumbnail_key IS NULL AND fail_reason IS NULL;
CREATE INDEX IF NOT EXISTS idx_videos_feed ON videos (created_at DESC);
`

const sqliteColumns = `id, owner_id, title, description, blob_key, content_type, size_bytes, is_reel,
	thumbnail_key, fail_reason, attempts, transform_failures, expired_leases, claimed_by, claimed_until,
	created_at, updated_at`

// NewSQLite opens (or creates) the database file at path and applies the schema.
func NewSQLite(path string, clk clock.Clock) (*SQLite, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, clock: clk}, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) CreateVideo(ctx context.Context, p CreateVideoParams) (models.Video, error) {
	id := uuid.New().String()
	now := s.clock.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, owner_id, title, description, blob_key, content_type, size_bytes, is_reel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.OwnerID, p.Title, p.Description, p.BlobKey, p.ContentType, p.SizeBytes, p.IsReel, now.UnixNano(), now.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.Video{}, fmt.Errorf("insert video: blob key %q already used: %w", p.BlobKey, err)
		}
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
		CreatedAt:   time.Unix(0, now.UnixNano()).UTC(),
		UpdatedAt:   time.Unix(0, now.UnixNano()).UTC(),
	}, nil
}

func (s *SQLite) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM videos WHERE id = ?`, id)
	v, err := scanSQLiteVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Video{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	return v, nil
}

func (s *SQLite) ListVideos(ctx context.Context, p ListParams) ([]models.Video, error) {
	p = p.Normalized()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM videos
		WHERE (? = 0 OR is_reel = 1) AND (? = '' OR owner_id = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, p.ReelsOnly, p.OwnerID, p.OwnerID, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	return collectSQLiteVideos(rows)
}

// ClaimBatch leases candidates with one UPDATE ... RETURNING statement.
func (s *SQLite) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]models.Video, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE videos
		SET claimed_by = ?, claimed_until = ?, attempts = attempts + 1,
		    expired_leases = expired_leases + CASE WHEN claimed_until IS NULL THEN 0 ELSE 1 END,
		    updated_at = ?
		WHERE id IN (
			SELECT id FROM videos
			WHERE thumbnail_key IS NULL AND fail_reason IS NULL
			  AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY created_at, id
			LIMIT ?
		)
		RETURNING `+sqliteColumns,
		workerID, now.Add(lease).UnixNano(), now.UnixNano(), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	claimed, err := collectSQLiteVideos(rows)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(claimed)
	return claimed, nil
}

func (s *SQLite) MarkReady(ctx context.Context, id, thumbnailKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos
		SET thumbnail_key = ?, claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND thumbnail_key IS NULL AND fail_reason IS NULL
	`, thumbnailKey, s.clock.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resolveNoop(ctx, s, id, true)
	}
	return nil
}

func (s *SQLite) MarkFailed(ctx context.Context, id, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos
		SET fail_reason = ?, claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND thumbnail_key IS NULL AND fail_reason IS NULL AND claimed_by = ?
	`, reason, s.clock.Now().UnixNano(), id, workerID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resolveNoop(ctx, s, id, false)
	}
	return nil
}

func (s *SQLite) ReleaseClaim(ctx context.Context, id, workerID string, transformFailed bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos
		SET claimed_by = NULL, claimed_until = NULL,
		    transform_failures = transform_failures + ?, updated_at = ?
		WHERE id = ? AND thumbnail_key IS NULL AND fail_reason IS NULL AND claimed_by = ?
	`, boolInt(transformFailed), s.clock.Now().UnixNano(), id, workerID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resolveNoop(ctx, s, id, false)
	}
	return nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteVideo(row sqlScanner) (models.Video, error) {
	var (
		v            models.Video
		thumb        sql.NullString
		failReason   sql.NullString
		claimedBy    sql.NullString
		claimedUntil sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.BlobKey, &v.ContentType, &v.SizeBytes, &v.IsReel,
		&thumb, &failReason, &v.Attempts, &v.TransformFailures, &v.ExpiredLeases, &claimedBy, &claimedUntil, &createdAt, &updatedAt); err != nil {
		return models.Video{}, err
	}
	v.CreatedAt = time.Unix(0, createdAt).UTC()
	v.UpdatedAt = time.Unix(0, updatedAt).UTC()

	var until *time.Time
	if claimedUntil.Valid {
		ts := time.Unix(0, claimedUntil.Int64).UTC()
		until = &ts
	}
	applyNullable(&v, nullPtr(thumb), nullPtr(failReason), nullPtr(claimedBy), until)
	return v, nil
}

func collectSQLiteVideos(rows *sql.Rows) ([]models.Video, error) {
	var out []models.Video
	for rows.Next() {
		v, err := scanSQLiteVideo(rows)
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

func nullPtr(n sql.NullString) *string {
	if n.Valid {
		return &n.String
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
