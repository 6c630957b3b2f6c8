package models

import (
	"time"
)

// Status is the processing state of a video. It is derived from the stored
// thumbnail and failure columns and never persisted on its own.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Video is a catalog entry that doubles as a work item for the processing worker.
type Video struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	BlobKey      string     `json:"blob_key"`
	ContentType  string     `json:"content_type"`
	SizeBytes    int64      `json:"size_bytes"`
	IsReel       bool       `json:"is_reel"`
	Status       Status     `json:"status"`
	ThumbnailKey string     `json:"thumbnail_key,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Attempts counts claims. TransformFailures counts claims released after
	// a failed transform. ExpiredLeases counts claims that were taken over
	// after the previous holder's lease ran out without a result.
	Attempts          int `json:"attempts"`
	TransformFailures int `json:"transform_failures"`
	ExpiredLeases     int `json:"expired_leases"`
}

// DeriveStatus maps the nullable storage columns onto a Status.
// A thumbnail wins over a failure marker; the stores never write both.
func DeriveStatus(thumbnailKey, failReason *string) Status {
	switch {
	case thumbnailKey != nil:
		return StatusReady
	case failReason != nil:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Claimed reports whether the record holds an unexpired lease at now.
func (v Video) Claimed(now time.Time) bool {
	return v.ClaimedBy != "" && v.ClaimedUntil != nil && v.ClaimedUntil.After(now)
}
