package worker

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	"os"
	"os/exec"
	"testing"
	"time"

	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/models"
)

func TestPlaceholderThumbnail(t *testing.T) {
	p := &PlaceholderThumbnailer{Width: 160}
	v := models.Video{BlobKey: "videos/20240501/1-abc-clip.mp4"}

	out, err := p.Transform(context.Background(), v, []byte("source"))
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if format != "jpeg" || img.Bounds().Dx() != 160 || img.Bounds().Dy() != 90 {
		t.Fatalf("unexpected thumbnail %s %v", format, img.Bounds())
	}

	again, _ := p.Transform(context.Background(), v, []byte("other source"))
	if !bytes.Equal(out, again) {
		t.Fatalf("placeholder should depend only on the blob key")
	}
}

func TestPlaceholderEmptySourceIsPermanent(t *testing.T) {
	p := &PlaceholderThumbnailer{}
	_, err := p.Transform(context.Background(), models.Video{}, nil)
	if !models.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewTransform(t *testing.T) {
	cfg := config.Config{ThumbnailTransform: "placeholder", ThumbnailWidth: 32}
	if _, err := NewTransform(cfg); err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	cfg.ThumbnailTransform = "gif-magic"
	if _, err := NewTransform(cfg); err == nil {
		t.Fatalf("expected error for unknown transform")
	}
}

func TestFFmpegThumbnail(t *testing.T) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	src := dir + "/clip.mp4"
	gen := exec.CommandContext(ctx, bin, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=640x360:rate=10",
		"-pix_fmt", "yuv420p", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate test clip: %v: %s", err, out)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}

	f := &FFmpegThumbnailer{Bin: bin, Seek: time.Second, Width: 320}
	thumb, err := f.Transform(ctx, models.Video{BlobKey: "videos/x/clip.mp4"}, data)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 180 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}

	if _, err := f.Transform(ctx, models.Video{}, []byte("not a video at all")); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}
