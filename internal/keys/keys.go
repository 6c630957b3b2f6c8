// Package keys builds the blob keys used for uploads and derived artifacts.
package keys

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	videoPrefix     = "videos/"
	thumbnailPrefix = "thumbnails/"
	maxNameLen      = 64
)

// NewVideoKey returns a unique key for an upload. The timestamp and a random
// UUID guarantee uniqueness; the sanitized filename is only a readability hint.
func NewVideoKey(now time.Time, filename string) string {
	now = now.UTC()
	return fmt.Sprintf("%s%s/%d-%s-%s",
		videoPrefix, now.Format("20060102"), now.UnixNano(), uuid.NewString(), SanitizeFilename(filename))
}

// ThumbnailKey maps a video key to the key of its thumbnail. The mapping is
// deterministic so reprocessing writes to the same place.
func ThumbnailKey(blobKey string) string {
	return thumbnailPrefix + strings.TrimPrefix(blobKey, videoPrefix) + ".jpg"
}

// SanitizeFilename keeps only the last path element of name and replaces any
// byte outside [A-Za-z0-9._-] with '_'. The result never contains a separator,
// never starts with a dot and is never empty.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxNameLen {
			break
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if len(out) > maxNameLen {
		out = out[:maxNameLen]
	}
	if out == "" {
		return "upload"
	}
	return out
}
