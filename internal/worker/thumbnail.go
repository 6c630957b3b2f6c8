package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/models"
)

const defaultThumbWidth = 320

// FFmpegThumbnailer grabs one frame with ffmpeg and scales it to a JPEG thumbnail.
type FFmpegThumbnailer struct {
	Bin   string
	Seek  time.Duration
	Width int
}

// NewTransform picks the thumbnail transform named in cfg.
func NewTransform(cfg config.Config) (Transform, error) {
	switch cfg.ThumbnailTransform {
	case "ffmpeg":
		f := &FFmpegThumbnailer{Bin: cfg.FFmpegBin, Seek: cfg.FFmpegSeek, Width: cfg.ThumbnailWidth}
		if _, err := exec.LookPath(f.bin()); err != nil {
			return nil, fmt.Errorf("ffmpeg binary not found: %w", err)
		}
		return f.Transform, nil
	case "placeholder":
		return (&PlaceholderThumbnailer{Width: cfg.ThumbnailWidth}).Transform, nil
	default:
		return nil, fmt.Errorf("unknown thumbnail transform %q", cfg.ThumbnailTransform)
	}
}

func (f *FFmpegThumbnailer) bin() string {
	if f.Bin == "" {
		return "ffmpeg"
	}
	return f.Bin
}

// Transform writes the source to a temp file, extracts a frame at Seek (or at
// the start for clips shorter than Seek) and encodes the thumbnail.
func (f *FFmpegThumbnailer) Transform(ctx context.Context, v models.Video, source []byte) ([]byte, error) {
	if len(source) == 0 {
		return nil, models.Permanent(errors.New("source is empty"))
	}

	in, err := os.CreateTemp("", "thumb-src-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(source); err != nil {
		in.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := in.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	frame, err := f.extractFrame(ctx, in.Name(), f.Seek)
	if err == nil && len(frame) == 0 && f.Seek > 0 {
		frame, err = f.extractFrame(ctx, in.Name(), 0)
	}
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, errors.New("ffmpeg produced no frame")
	}

	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return encodeThumbnail(img, f.Width)
}

func (f *FFmpegThumbnailer) extractFrame(ctx context.Context, path string, seek time.Duration) ([]byte, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if seek > 0 {
		args = append(args, "-ss", strconv.FormatFloat(seek.Seconds(), 'f', 3, 64))
	}
	args = append(args, "-i", path, "-frames:v", "1", "-f", "image2pipe", "-c:v", "png", "pipe:1")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.bin(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// PlaceholderThumbnailer renders a flat 16:9 tile whose colour is derived from
// the blob key. It stands in where ffmpeg is unavailable.
type PlaceholderThumbnailer struct {
	Width int
}

func (p *PlaceholderThumbnailer) Transform(_ context.Context, v models.Video, source []byte) ([]byte, error) {
	if len(source) == 0 {
		return nil, models.Permanent(errors.New("source is empty"))
	}
	width := p.Width
	if width <= 0 {
		width = defaultThumbWidth
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(v.BlobKey))
	sum := h.Sum32()
	fill := color.NRGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 255}

	img := imaging.New(width, width*9/16, fill)
	return encodeThumbnail(img, width)
}

func encodeThumbnail(img image.Image, width int) ([]byte, error) {
	if width <= 0 {
		width = defaultThumbWidth
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, models.Permanent(errors.New("invalid frame dimensions"))
	}
	if img.Bounds().Dx() != width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
