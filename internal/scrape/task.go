// Package scrape renders one link, stores its artifacts and records a capture.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/pool"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

const tracerName = "github.com/JakeFAU/link-tracker/internal/scrape"

// EventCaptureCreated is the event type published after a capture is stored.
const EventCaptureCreated = "capture.created"

// Config controls task behavior.
type Config struct {
	Timeout time.Duration
	Topic   string
	// Timezone is stamped into artifact metadata.
	Timezone string
	// Preflight, when set, runs before the render and fails the task on error.
	Preflight Preflighter
	// Detector, when set, fails renders that returned a block page.
	Detector *BlockDetector
}

// Preflighter checks that a URL may be rendered.
type Preflighter interface {
	Check(ctx context.Context, rawURL string) error
}

// Request is one link to scrape within a run.
type Request struct {
	RunID  string
	Key    string
	Link   tracker.Link
	Timing tracker.Timing
}

// CaptureEvent is the payload published for each new capture.
type CaptureEvent struct {
	Event     string               `json:"event"`
	RunID     string               `json:"cron_run_id,omitempty"`
	CaptureID string               `json:"capture_id"`
	Hash      string               `json:"hashed_url"`
	URL       string               `json:"url"`
	Timing    tracker.Timing       `json:"timing"`
	Keys      tracker.ArtifactKeys `json:"keys"`
	Title     string               `json:"title,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// Runner holds the collaborators shared by every task.
type Runner struct {
	blobs     tracker.BlobStore
	captures  tracker.CaptureStore
	publisher tracker.Publisher
	hasher    tracker.Hasher
	clock     tracker.Clock
	ids       tracker.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewRunner constructs a Runner. publisher may be nil.
func NewRunner(
	blobs tracker.BlobStore,
	captures tracker.CaptureStore,
	publisher tracker.Publisher,
	hasher tracker.Hasher,
	clock tracker.Clock,
	ids tracker.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		blobs:     blobs,
		captures:  captures,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Task is a pool.Task that reports its outcome exactly once.
type Task struct {
	runner     *Runner
	req        Request
	onComplete func(tracker.Completion)
	once       sync.Once
}

var _ pool.Task = (*Task)(nil)

// NewTask binds a request to its completion callback.
func (r *Runner) NewTask(req Request, onComplete func(tracker.Completion)) *Task {
	if req.Key == "" {
		req.Key = tracker.IdentityKey(req.Link)
	}
	if req.Timing == "" {
		req.Timing = req.Link.Timing
	}
	return &Task{runner: r, req: req, onComplete: onComplete}
}

// Host returns the link's domain for throttling.
func (t *Task) Host() string {
	return tracker.Hostname(t.req.Link.URL)
}

// Key returns the identity key the task reports under.
func (t *Task) Key() string {
	return t.req.Key
}

// Run executes the pipeline and reports the completion.
func (t *Task) Run(ctx context.Context, renderer tracker.Renderer) {
	defer func() {
		if rec := recover(); rec != nil {
			t.runner.logger.Error("scrape pipeline panicked",
				zap.String("key", t.req.Key),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			t.finish(t.failure(tracker.ReasonAborted, fmt.Errorf("panic: %v", rec)))
		}
	}()
	t.finish(t.runner.execute(ctx, renderer, t.req))
}

// Abort reports a failure for a task that never ran to completion.
func (t *Task) Abort(err error) {
	t.finish(t.failure(tracker.ReasonAborted, err))
}

func (t *Task) failure(reason tracker.FailureReason, err error) tracker.Completion {
	c := tracker.Completion{
		RunID:         t.req.RunID,
		Key:           t.req.Key,
		URL:           t.req.Link.URL,
		IncludeParams: t.req.Link.IncludeParams(),
		Reason:        reason,
	}
	if err != nil {
		c.Err = err.Error()
	}
	return c
}

func (t *Task) finish(c tracker.Completion) {
	t.once.Do(func() {
		result := "success"
		if !c.Success {
			result = strings.ToLower(string(c.Reason))
		}
		metrics.ObserveTask(t.req.Link.URL, result)
		if t.onComplete != nil {
			t.onComplete(c)
		}
	})
}

// Execute runs one request synchronously and returns its completion.
func (r *Runner) Execute(ctx context.Context, renderer tracker.Renderer, req Request) tracker.Completion {
	var (
		mu  sync.Mutex
		out tracker.Completion
	)
	r.NewTask(req, func(c tracker.Completion) {
		mu.Lock()
		out = c
		mu.Unlock()
	}).Run(ctx, renderer)
	mu.Lock()
	defer mu.Unlock()
	return out
}

type stepError struct {
	reason tracker.FailureReason
	err    error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

func fail(reason tracker.FailureReason, err error) error {
	return &stepError{reason: reason, err: err}
}

func (r *Runner) execute(ctx context.Context, renderer tracker.Renderer, req Request) tracker.Completion {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scrape.link")
	defer span.End()
	span.SetAttributes(
		attribute.String("linktracker.run_id", req.RunID),
		attribute.String("linktracker.timing", string(req.Timing)),
		attribute.String("url.full", req.Link.URL),
	)

	c := tracker.Completion{
		RunID:         req.RunID,
		Key:           req.Key,
		URL:           req.Link.URL,
		IncludeParams: req.Link.IncludeParams(),
	}
	logger := r.logger.With(
		zap.String("run_id", req.RunID),
		zap.String("url", req.Link.URL),
		zap.String("timing", string(req.Timing)),
	)

	keys, err := r.capture(ctx, renderer, req, logger)
	if err != nil {
		var step *stepError
		if errors.As(err, &step) {
			c.Reason = step.reason
		} else {
			c.Reason = tracker.ReasonAborted
		}
		c.Err = err.Error()
		span.SetStatus(codes.Error, string(c.Reason))
		span.RecordError(err)
		logger.Warn("scrape failed", zap.String("reason", string(c.Reason)), zap.Error(err))
		return c
	}
	c.Success = true
	c.Keys = keys
	logger.Info("scrape succeeded", zap.String("html_key", keys.HTML))
	return c
}

func (r *Runner) capture(
	ctx context.Context,
	renderer tracker.Renderer,
	req Request,
	logger *zap.Logger,
) (tracker.ArtifactKeys, error) {
	target, err := tracker.NormalizeURL(req.Link.URL, req.Link.IncludeParams(), req.Link.Params)
	if err != nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonInvalidURL, err)
	}
	if renderer == nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonRenderFailed, errors.New("no renderer available"))
	}

	if r.cfg.Preflight != nil {
		if err := r.cfg.Preflight.Check(ctx, target); err != nil {
			return tracker.ArtifactKeys{}, fail(tracker.ReasonRenderFailed, err)
		}
	}

	renderCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	page, err := renderer.Render(renderCtx, target, r.cfg.Timeout)
	cancel()
	if err != nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonRenderFailed, err)
	}
	if marker, blocked := r.cfg.Detector.Detect(page.HTML); blocked {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonRenderFailed, fmt.Errorf("blocked page detected: %s", marker))
	}

	hash, err := r.hasher.Hash([]byte(target))
	if err != nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonUploadFailed, fmt.Errorf("hash url: %w", err))
	}
	now := r.clock.Now()
	domain := tracker.Hostname(target)
	meta := tracker.ArtifactMetadata{
		OriginalURL: target,
		HashedURL:   hash,
		Timestamp:   strconv.FormatInt(now.UnixMilli(), 10),
		Timezone:    r.cfg.Timezone,
	}

	keys, err := r.upload(ctx, req.Timing, domain, hash, now, page, meta)
	if err != nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonUploadFailed, err)
	}

	captureID, err := r.ids.NewID()
	if err != nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonRecordFailed, fmt.Errorf("capture id: %w", err))
	}
	title := ExtractTitle(page.HTML)
	capture := tracker.Capture{
		ID:     captureID,
		Hash:   hash,
		Timing: req.Timing,
		Status: tracker.CaptureSuccess,
		Keys:   keys,
		Metadata: map[string]tracker.ArtifactMetadata{
			ArtifactHTML:       meta,
			ArtifactScreenshot: meta,
			ArtifactThumbnail:  meta,
		},
		Images:    tracker.CaptureImages{FullPage: keys.Screenshot},
		Title:     title,
		CreatedAt: now,
	}
	if err := r.captures.CreateCapture(ctx, capture); err != nil {
		return tracker.ArtifactKeys{}, fail(tracker.ReasonRecordFailed, err)
	}

	r.publish(ctx, CaptureEvent{
		Event:     EventCaptureCreated,
		RunID:     req.RunID,
		CaptureID: captureID,
		Hash:      hash,
		URL:       target,
		Timing:    req.Timing,
		Keys:      keys,
		Title:     title,
		CreatedAt: now,
	}, logger)
	return keys, nil
}

func (r *Runner) upload(
	ctx context.Context,
	timing tracker.Timing,
	domain, hash string,
	now time.Time,
	page tracker.Page,
	meta tracker.ArtifactMetadata,
) (tracker.ArtifactKeys, error) {
	screenshotType := page.ScreenshotType
	if screenshotType == "" {
		screenshotType = "image/png"
	}
	artifacts := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{ArtifactHTML, "text/html", []byte(page.HTML)},
		{ArtifactScreenshot, screenshotType, page.Screenshot},
		{ArtifactThumbnail, "image/png", page.Thumbnail},
	}

	var keys tracker.ArtifactKeys
	for _, a := range artifacts {
		key := ObjectKey(timing, domain, hash, now, a.name)
		if _, err := r.blobs.PutObject(ctx, key, a.contentType, bytes.NewReader(a.body), meta.Map()); err != nil {
			return tracker.ArtifactKeys{}, fmt.Errorf("upload %s: %w", a.name, err)
		}
		metrics.ObserveArtifact(a.name, len(a.body))
		switch a.name {
		case ArtifactHTML:
			keys.HTML = key
		case ArtifactScreenshot:
			keys.Screenshot = key
		case ArtifactThumbnail:
			keys.Thumbnail = key
		}
	}
	return keys, nil
}

func (r *Runner) publish(ctx context.Context, event CaptureEvent, logger *zap.Logger) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
		logger.Warn("publish capture event", zap.String("capture_id", event.CaptureID), zap.Error(err))
	}
}

// ExtractTitle returns the trimmed document title, or "" when absent.
func ExtractTitle(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
