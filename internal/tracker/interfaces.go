package tracker

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrInvalidURL marks a link URL that cannot be fetched.
	ErrInvalidURL = errors.New("invalid url")
	// ErrLinkNotFound is returned when a lookup by hash finds nothing.
	ErrLinkNotFound = errors.New("link not found")
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
	// ErrObjectNotFound is returned when a stored object or bucket is missing.
	ErrObjectNotFound = errors.New("object not found")
)

// LinkStore reads tracked links.
type LinkStore interface {
	FindActiveLinks(ctx context.Context, timing Timing) ([]Link, error)
	FindLinkByHash(ctx context.Context, timing Timing, hash string) (Link, error)
	FindLinksStaleSince(ctx context.Context, timing Timing, cutoff time.Time) ([]Link, error)
}

// RunStore persists batch runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) (string, error)
	// UpdateRun changes a PENDING run and reports whether a row was updated.
	UpdateRun(
		ctx context.Context,
		id string,
		status RunStatus,
		endTime time.Time,
		summary RunSummary,
		failureReason string,
	) (bool, error)
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// CaptureStore persists capture records.
type CaptureStore interface {
	CreateCapture(ctx context.Context, capture Capture) error
	LatestCaptures(ctx context.Context, hash string, limit int) ([]Capture, error)
}

// BlobStore writes artifacts and issues read URLs.
type BlobStore interface {
	PutObject(ctx context.Context, key, contentType string, r io.Reader, metadata map[string]string) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Renderer fetches and renders a page.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (Page, error)
}

// Notifier posts operational alerts. Implementations swallow their own errors.
type Notifier interface {
	Post(ctx context.Context, message string)
}

// Publisher pushes capture events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
