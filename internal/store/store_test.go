package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"video-feed-pipeline/internal/clock"
	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/models"
)

func newTestSQLite(t *testing.T) (*SQLite, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	st, err := NewSQLite(filepath.Join(t.TempDir(), "videos.db"), clk)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	return st, clk
}

func createN(t *testing.T, st VideoStore, clk *clock.Manual, n int) []models.Video {
	t.Helper()
	out := make([]models.Video, 0, n)
	for i := 0; i < n; i++ {
		v, err := st.CreateVideo(context.Background(), CreateVideoParams{
			OwnerID:     "42",
			Title:       fmt.Sprintf("clip-%d", i),
			BlobKey:     fmt.Sprintf("videos/key-%d.mp4", i),
			ContentType: "video/mp4",
			SizeBytes:   1024,
			IsReel:      i%2 == 0,
		})
		if err != nil {
			t.Fatalf("create video %d: %v", i, err)
		}
		out = append(out, v)
		if clk != nil {
			clk.Advance(time.Millisecond)
		}
	}
	return out
}

func TestCreateIsPendingAndUnclaimed(t *testing.T) {
	st, clk := newTestSQLite(t)
	created := createN(t, st, clk, 1)[0]

	got, err := st.GetVideo(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending || got.ThumbnailKey != "" {
		t.Fatalf("expected pending without thumbnail, got %+v", got)
	}
	if got.ClaimedBy != "" || got.ClaimedUntil != nil {
		t.Fatalf("expected no claim, got %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at mismatch %s vs %s", got.CreatedAt, created.CreatedAt)
	}

	if _, err := st.GetVideo(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimBatchOldestFirstAndBounded(t *testing.T) {
	st, clk := newTestSQLite(t)
	videos := createN(t, st, clk, 7)
	ctx := context.Background()

	first, err := st.ClaimBatch(ctx, "worker-a", 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("expected 5 claimed, got %d", len(first))
	}
	for i, v := range first {
		if v.ID != videos[i].ID {
			t.Fatalf("claim order: position %d got %s want %s", i, v.ID, videos[i].ID)
		}
		if v.ClaimedBy != "worker-a" || v.Attempts != 1 {
			t.Fatalf("claim fields not set: %+v", v)
		}
		if want := clk.Now().Add(time.Minute); v.ClaimedUntil == nil || !v.ClaimedUntil.Equal(want) {
			t.Fatalf("claimed_until = %v, want %s", v.ClaimedUntil, want)
		}
	}

	second, err := st.ClaimBatch(ctx, "worker-b", 5, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 2 || second[0].ID != videos[5].ID || second[1].ID != videos[6].ID {
		t.Fatalf("expected the two remaining videos, got %+v", second)
	}

	empty, err := st.ClaimBatch(ctx, "worker-c", 5, time.Minute)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected nothing left to claim, got %d err=%v", len(empty), err)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	st, clk := newTestSQLite(t)
	const records = 60
	createN(t, st, clk, records)

	const workers = 8
	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("worker-%d", w)
			for {
				batch, err := st.ClaimBatch(context.Background(), id, 3, time.Hour)
				if err != nil {
					errs <- err
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, v := range batch {
					if prev, dup := seen[v.ID]; dup {
						mu.Unlock()
						errs <- fmt.Errorf("video %s claimed by %s and %s", v.ID, prev, id)
						return
					}
					seen[v.ID] = id
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if len(seen) != records {
		t.Fatalf("expected %d distinct claims, got %d", records, len(seen))
	}
}

func TestLeaseExpiryMakesVideoClaimable(t *testing.T) {
	st, clk := newTestSQLite(t)
	v := createN(t, st, clk, 1)[0]
	ctx := context.Background()

	claimed, err := st.ClaimBatch(ctx, "worker-a", 1, 10*time.Second)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim by A: %d err=%v", len(claimed), err)
	}

	clk.Advance(9 * time.Second)
	if got, _ := st.ClaimBatch(ctx, "worker-b", 1, 10*time.Second); len(got) != 0 {
		t.Fatalf("lease still valid, B must not claim")
	}

	clk.Advance(2 * time.Second)
	got, err := st.ClaimBatch(ctx, "worker-b", 1, 10*time.Second)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected B to reclaim after expiry, got %d err=%v", len(got), err)
	}
	if got[0].ID != v.ID || got[0].ClaimedBy != "worker-b" || got[0].Attempts != 2 || got[0].ExpiredLeases != 1 {
		t.Fatalf("unexpected reclaimed record %+v", got[0])
	}
}

func TestStaleHolderCannotResolve(t *testing.T) {
	st, clk := newTestSQLite(t)
	v := createN(t, st, clk, 1)[0]
	ctx := context.Background()

	if _, err := st.ClaimBatch(ctx, "worker-a", 1, 10*time.Second); err != nil {
		t.Fatalf("claim by A: %v", err)
	}
	clk.Advance(11 * time.Second)
	if got, err := st.ClaimBatch(ctx, "worker-b", 1, 10*time.Second); err != nil || len(got) != 1 {
		t.Fatalf("claim by B: %d err=%v", len(got), err)
	}

	if err := st.ReleaseClaim(ctx, v.ID, "worker-a", true); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost releasing B's lease, got %v", err)
	}
	if err := st.MarkFailed(ctx, v.ID, "worker-a", "too slow"); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost failing B's video, got %v", err)
	}

	got, _ := st.GetVideo(ctx, v.ID)
	if got.Status != models.StatusPending || got.ClaimedBy != "worker-b" || got.TransformFailures != 0 {
		t.Fatalf("stale holder changed the record: %+v", got)
	}

	if err := st.MarkFailed(ctx, v.ID, "worker-b", "bad codec"); err != nil {
		t.Fatalf("current holder mark failed: %v", err)
	}
	if err := st.MarkFailed(ctx, v.ID, "worker-b", "again"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on an already failed video, got %v", err)
	}
	if got, _ := st.GetVideo(ctx, v.ID); got.FailReason != "bad codec" {
		t.Fatalf("fail reason overwritten: %q", got.FailReason)
	}
}

func TestMarkReadyIsIdempotent(t *testing.T) {
	st, clk := newTestSQLite(t)
	v := createN(t, st, clk, 1)[0]
	ctx := context.Background()

	if _, err := st.ClaimBatch(ctx, "worker-a", 1, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.MarkReady(ctx, v.ID, "thumbnails/key-0.jpg"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	first, _ := st.GetVideo(ctx, v.ID)

	clk.Advance(time.Second)
	if err := st.MarkReady(ctx, v.ID, "thumbnails/key-0.jpg"); err != nil {
		t.Fatalf("second mark ready: %v", err)
	}
	if err := st.MarkReady(ctx, v.ID, "thumbnails/other.jpg"); err != nil {
		t.Fatalf("mark ready with other key: %v", err)
	}
	second, _ := st.GetVideo(ctx, v.ID)

	if second.Status != models.StatusReady || second.ThumbnailKey != "thumbnails/key-0.jpg" {
		t.Fatalf("thumbnail overwritten: %+v", second)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.ClaimedBy != "" || second.ClaimedUntil != nil {
		t.Fatalf("record changed by duplicate completion: %+v vs %+v", first, second)
	}

	if err := st.MarkFailed(ctx, v.ID, "worker-a", "late failure"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending failing a ready video, got %v", err)
	}
	if err := st.MarkReady(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFailedAndRelease(t *testing.T) {
	st, clk := newTestSQLite(t)
	videos := createN(t, st, clk, 2)
	ctx := context.Background()

	if _, err := st.ClaimBatch(ctx, "worker-a", 2, time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := st.MarkFailed(ctx, videos[0].ID, "worker-a", "source blob missing"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := st.GetVideo(ctx, videos[0].ID)
	if failed.Status != models.StatusFailed || failed.FailReason != "source blob missing" || failed.ClaimedBy != "" {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	if err := st.MarkReady(ctx, videos[0].ID, "thumb"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending completing a failed video, got %v", err)
	}

	if err := st.ReleaseClaim(ctx, videos[1].ID, "worker-a", true); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, _ := st.GetVideo(ctx, videos[1].ID)
	if released.Status != models.StatusPending || released.ClaimedBy != "" || released.ClaimedUntil != nil {
		t.Fatalf("unexpected released record %+v", released)
	}
	if released.TransformFailures != 1 || released.ExpiredLeases != 0 {
		t.Fatalf("expected one counted transform failure, got %+v", released)
	}

	// Released work is immediately claimable despite the hour-long lease; failed work never is.
	again, err := st.ClaimBatch(ctx, "worker-b", 5, time.Hour)
	if err != nil || len(again) != 1 || again[0].ID != videos[1].ID {
		t.Fatalf("expected only released video to be reclaimed, got %+v err=%v", again, err)
	}

	if again[0].ExpiredLeases != 0 {
		t.Fatalf("a released claim must not count as an expired lease: %+v", again[0])
	}

	if err := st.ReleaseClaim(ctx, "missing", "worker-b", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListVideosNewestFirst(t *testing.T) {
	st, clk := newTestSQLite(t)
	videos := createN(t, st, clk, 5)
	ctx := context.Background()

	all, err := st.ListVideos(ctx, ListParams{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 || all[0].ID != videos[4].ID || all[4].ID != videos[0].ID {
		t.Fatalf("unexpected order %+v", all)
	}

	reels, err := st.ListVideos(ctx, ListParams{ReelsOnly: true, Limit: 2})
	if err != nil {
		t.Fatalf("list reels: %v", err)
	}
	if len(reels) != 2 || !reels[0].IsReel || !reels[1].IsReel {
		t.Fatalf("expected two reels, got %+v", reels)
	}

	page, err := st.ListVideos(ctx, ListParams{Limit: 2, Offset: 4})
	if err != nil || len(page) != 1 {
		t.Fatalf("expected 1 on last page, got %d err=%v", len(page), err)
	}

	none, err := st.ListVideos(ctx, ListParams{OwnerID: "someone-else"})
	if err != nil || len(none) != 0 {
		t.Fatalf("expected owner filter to exclude all, got %d err=%v", len(none), err)
	}
}

func TestListParamsNormalized(t *testing.T) {
	p := ListParams{Limit: 500, Offset: -3}.Normalized()
	if p.Limit != maxListLimit || p.Offset != 0 {
		t.Fatalf("unexpected normalization %+v", p)
	}
	if got := (ListParams{}).Normalized().Limit; got != defaultListLimit {
		t.Fatalf("default limit %d", got)
	}
}

// TestPostgresClaims runs against a real database when POSTGRES_TEST_DSN is set.
func TestPostgresClaims(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := st.pool.Exec(ctx, `TRUNCATE videos`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	for i := 0; i < 20; i++ {
		created, err := st.CreateVideo(ctx, CreateVideoParams{
			OwnerID:     "42",
			BlobKey:     fmt.Sprintf("videos/pg-%d.mp4", i),
			ContentType: "video/mp4",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		read, err := st.GetVideo(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !read.CreatedAt.Equal(created.CreatedAt) {
			t.Fatalf("created_at changed on read: %s vs %s", created.CreatedAt, read.CreatedAt)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch, err := st.ClaimBatch(ctx, fmt.Sprintf("pg-worker-%d", w), 5, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, v := range batch {
				if seen[v.ID] {
					t.Errorf("duplicate claim of %s", v.ID)
				}
				seen[v.ID] = true
			}
		}(w)
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected 20 claimed, got %d", len(seen))
	}

	var id string
	for k := range seen {
		id = k
		break
	}
	if err := st.MarkReady(ctx, id, "thumbnails/pg.jpg"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if err := st.MarkReady(ctx, id, "thumbnails/pg.jpg"); err != nil {
		t.Fatalf("second mark ready: %v", err)
	}
	if err := st.ReleaseClaim(ctx, id, "pg-worker-x", false); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending releasing a ready video, got %v", err)
	}
	all, err := st.ListVideos(ctx, ListParams{Limit: maxListLimit})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	pending := 0
	for _, v := range all {
		if v.Status == models.StatusPending {
			if v.ClaimedBy == "" {
				t.Fatalf("claimed video lost its lease: %+v", v)
			}
			if err := st.ReleaseClaim(ctx, v.ID, "not-the-holder", false); !errors.Is(err, ErrClaimLost) {
				t.Fatalf("expected ErrClaimLost, got %v", err)
			}
			pending++
		}
	}
	if pending != 19 {
		t.Fatalf("expected 19 pending, got %d", pending)
	}
}

func TestOpenSQLiteBackend(t *testing.T) {
	cfg := config.Config{MetadataBackend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "nested", "videos.db")}
	st, err := Open(context.Background(), cfg, clock.NewManual(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*SQLite); !ok {
		t.Fatalf("expected *SQLite, got %T", st)
	}
	if _, err := Open(context.Background(), config.Config{MetadataBackend: "mongo"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
