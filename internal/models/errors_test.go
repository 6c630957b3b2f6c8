package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("ingest: %w", StorageError("put blob", base))

	if got := KindOf(err); got != KindStorage {
		t.Fatalf("expected storage kind, got %s", got)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected chain to contain base error")
	}
	if KindOf(base) != KindUnknown {
		t.Fatalf("expected unknown kind for bare error")
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(ProcessingError("transform", errors.New("ffmpeg exited 1"))) {
		t.Fatalf("plain processing error should be retryable")
	}
	if !IsPermanent(ProcessingError("transform", Permanent(errors.New("empty source")))) {
		t.Fatalf("expected permanent marker to survive wrapping")
	}
	if !IsPermanent(NotFoundError("get source", errors.New("missing"))) {
		t.Fatalf("not found must be permanent")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}

func TestDeriveStatus(t *testing.T) {
	thumb := "thumbnails/a.jpg"
	reason := "boom"
	cases := []struct {
		thumb, reason *string
		want          Status
	}{
		{nil, nil, StatusPending},
		{&thumb, nil, StatusReady},
		{nil, &reason, StatusFailed},
	}
	for _, c := range cases {
		if got := DeriveStatus(c.thumb, c.reason); got != c.want {
			t.Fatalf("DeriveStatus(%v, %v) = %s, want %s", c.thumb, c.reason, got, c.want)
		}
	}
}
