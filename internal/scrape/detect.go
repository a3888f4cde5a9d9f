package scrape

import (
	"strings"
)

// BlockDetector flags rendered pages that are bot challenges or access denials
// rather than the tracked content.
type BlockDetector struct {
	// MaxBytes bounds the page size considered; real content pages are larger.
	MaxBytes int
	Markers  []string
}

// DefaultBlockMarkers are lowercase fragments seen on common challenge pages.
var DefaultBlockMarkers = []string{
	"cf-browser-verification",
	"cf-challenge",
	"challenge-platform",
	"attention required! | cloudflare",
	"px-captcha",
	"g-recaptcha",
	"h-captcha",
	"access denied",
	"request unsuccessful. incapsula",
	"are you a robot",
	"verify you are human",
}

// NewBlockDetector returns a detector with the default markers.
func NewBlockDetector(maxBytes int) *BlockDetector {
	if maxBytes <= 0 {
		maxBytes = 64 << 10
	}
	return &BlockDetector{MaxBytes: maxBytes, Markers: DefaultBlockMarkers}
}

// Detect returns the matched marker when html looks like a block page.
func (d *BlockDetector) Detect(html string) (string, bool) {
	if d == nil || len(html) > d.MaxBytes {
		return "", false
	}
	if strings.TrimSpace(html) == "" {
		return "empty document", true
	}
	lower := strings.ToLower(html)
	for _, marker := range d.Markers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	return "", false
}
