package scrape

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Artifact names used as the last object key segment.
const (
	ArtifactHTML       = "html"
	ArtifactScreenshot = "screenshot"
	ArtifactThumbnail  = "thumbnail"
)

// ObjectPrefix is the key prefix holding every capture of one content key.
func ObjectPrefix(timing tracker.Timing, domain, hash string) string {
	parts := []string{timing.Lower()}
	if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
		parts = append(parts, domain)
		if hash = strings.TrimSpace(hash); hash != "" {
			parts = append(parts, hash)
		}
	}
	return path.Join(parts...) + "/"
}

// ObjectKey builds {timing}/{domain}/{hash}/{timestamp}/{artifact}.
func ObjectKey(timing tracker.Timing, domain, hash string, at time.Time, artifact string) string {
	return path.Join(
		timing.Lower(),
		strings.ToLower(domain),
		hash,
		strconv.FormatInt(at.UnixMilli(), 10),
		artifact,
	)
}
