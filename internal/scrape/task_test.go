package scrape

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/hash/sha256"
	"github.com/JakeFAU/link-tracker/internal/id/uuid"
	pubmemory "github.com/JakeFAU/link-tracker/internal/publisher/memory"
	"github.com/JakeFAU/link-tracker/internal/storage/memory"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeRenderer struct {
	mu    sync.Mutex
	page  tracker.Page
	err   error
	block bool
	panic bool
	urls  []string
}

func (r *fakeRenderer) Render(ctx context.Context, url string, _ time.Duration) (tracker.Page, error) {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
	if r.panic {
		panic("tab crashed")
	}
	if r.block {
		<-ctx.Done()
		return tracker.Page{}, ctx.Err()
	}
	return r.page, r.err
}

func (r *fakeRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

type failingBlobs struct{ *memory.BlobStore }

func (failingBlobs) PutObject(context.Context, string, string, io.Reader, map[string]string) (string, error) {
	return "", errors.New("bucket unavailable")
}

type failingCaptures struct{ *memory.Store }

func (failingCaptures) CreateCapture(context.Context, tracker.Capture) error {
	return errors.New("db down")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic missing")
}

var testNow = time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)

type harness struct {
	blobs     *memory.BlobStore
	store     *memory.Store
	publisher *pubmemory.Publisher
}

func newRunner(t *testing.T, mutate func(*harness) (tracker.BlobStore, tracker.CaptureStore, tracker.Publisher)) (*Runner, *harness) {
	t.Helper()
	h := &harness{
		blobs:     memory.NewBlobStore(),
		store:     memory.NewStore(),
		publisher: pubmemory.New(),
	}
	var (
		blobs     tracker.BlobStore    = h.blobs
		captures  tracker.CaptureStore = h.store
		publisher tracker.Publisher    = h.publisher
	)
	if mutate != nil {
		blobs, captures, publisher = mutate(h)
	}
	r := NewRunner(blobs, captures, publisher, sha256.New(5), fixedClock{now: testNow}, uuid.New(), Config{
		Timeout:  time.Second,
		Topic:    "captures",
		Timezone: "UTC",
	}, zap.NewNop())
	return r, h
}

func dailyLink(url string, includeParams bool) tracker.Link {
	return tracker.Link{
		ID:     1,
		URL:    url,
		Timing: tracker.TimingDaily,
		Active: true,
		Domain: tracker.Domain{Name: "shop.example", IncludeParams: includeParams, Active: true},
	}
}

func okPage() tracker.Page {
	return tracker.Page{
		HTML:       "<html><head><title> Widget Sale </title></head><body>hi</body></html>",
		Screenshot: []byte("png-full"),
		Thumbnail:  []byte("png-small"),
		StatusCode: 200,
	}
}

func TestExecuteSuccessStoresArtifactsAndCapture(t *testing.T) {
	t.Parallel()

	runner, h := newRunner(t, nil)
	renderer := &fakeRenderer{page: okPage()}
	link := dailyLink("https://Shop.example/item?id=7", false)

	c := runner.Execute(context.Background(), renderer, Request{RunID: "run-1", Link: link})
	require.True(t, c.Success, c.Err)
	require.Equal(t, "https://shop.example/item", c.Key)
	require.Equal(t, []string{"https://shop.example/item"}, renderer.rendered())

	hash, err := sha256.New(5).Hash([]byte("https://shop.example/item"))
	require.NoError(t, err)
	prefix := "daily/shop.example/" + hash + "/1715306400000/"
	require.Equal(t, prefix+"html", c.Keys.HTML)
	require.Equal(t, prefix+"screenshot", c.Keys.Screenshot)
	require.Equal(t, prefix+"thumbnail", c.Keys.Thumbnail)

	data, contentType, meta, ok := h.blobs.Object(c.Keys.HTML)
	require.True(t, ok)
	require.Contains(t, string(data), "Widget Sale")
	require.Equal(t, "text/html", contentType)
	require.Equal(t, map[string]string{
		"originalUrl": "https://shop.example/item",
		"hashedUrl":   hash,
		"timestamp":   "1715306400000",
		"timezone":    "UTC",
	}, meta)
	_, contentType, _, ok = h.blobs.Object(c.Keys.Thumbnail)
	require.True(t, ok)
	require.Equal(t, "image/png", contentType)
	_, contentType, _, ok = h.blobs.Object(c.Keys.Screenshot)
	require.True(t, ok)
	require.Equal(t, "image/png", contentType)

	captures := h.store.Captures()
	require.Len(t, captures, 1)
	require.Equal(t, hash, captures[0].Hash)
	require.Equal(t, "Widget Sale", captures[0].Title)
	require.Equal(t, c.Keys.Screenshot, captures[0].Images.FullPage)
	require.Equal(t, tracker.CaptureSuccess, captures[0].Status)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "captures", msgs[0].Topic)
	event, ok := msgs[0].Payload.(CaptureEvent)
	require.True(t, ok)
	require.Equal(t, EventCaptureCreated, event.Event)
	require.Equal(t, "run-1", event.RunID)
}

func TestExecuteStoresScreenshotWithRenderedType(t *testing.T) {
	t.Parallel()

	runner, h := newRunner(t, nil)
	page := okPage()
	page.ScreenshotType = "image/jpeg"

	c := runner.Execute(context.Background(), &fakeRenderer{page: page}, Request{Link: dailyLink("https://shop.example/x", false)})
	require.True(t, c.Success, c.Err)

	_, contentType, _, ok := h.blobs.Object(c.Keys.Screenshot)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", contentType)
	_, contentType, _, ok = h.blobs.Object(c.Keys.Thumbnail)
	require.True(t, ok)
	require.Equal(t, "image/png", contentType)
}

func TestExecuteRecordsMetadataForEveryArtifact(t *testing.T) {
	t.Parallel()

	runner, h := newRunner(t, nil)
	c := runner.Execute(context.Background(), &fakeRenderer{page: okPage()}, Request{Link: dailyLink("https://shop.example/x", false)})
	require.True(t, c.Success, c.Err)

	captures := h.store.Captures()
	require.Len(t, captures, 1)
	md := captures[0].Metadata
	require.Len(t, md, 3)
	for _, name := range []string{ArtifactHTML, ArtifactScreenshot, ArtifactThumbnail} {
		require.Contains(t, md, name)
		require.Equal(t, "https://shop.example/x", md[name].OriginalURL)
	}
	_, _, blobMeta, ok := h.blobs.Object(c.Keys.Thumbnail)
	require.True(t, ok)
	require.Equal(t, md[ArtifactThumbnail].Map(), blobMeta)
}

func TestExecuteKeepsParamsWhenDomainAllows(t *testing.T) {
	t.Parallel()

	runner, _ := newRunner(t, nil)
	renderer := &fakeRenderer{page: okPage()}
	link := dailyLink("https://shop.example/item?id=7", true)

	c := runner.Execute(context.Background(), renderer, Request{Link: link})
	require.True(t, c.Success)
	require.Equal(t, []string{"https://shop.example/item?id=7"}, renderer.rendered())
	require.True(t, c.IncludeParams)
}

func TestExecuteFailureReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		url      string
		renderer *fakeRenderer
		mutate   func(*harness) (tracker.BlobStore, tracker.CaptureStore, tracker.Publisher)
		reason   tracker.FailureReason
		rendered int
	}{
		{
			name:     "invalid url never renders",
			url:      "ftp://shop.example/x",
			renderer: &fakeRenderer{page: okPage()},
			reason:   tracker.ReasonInvalidURL,
		},
		{
			name:     "render error",
			url:      "https://shop.example/x",
			renderer: &fakeRenderer{err: errors.New("net::ERR_NAME_NOT_RESOLVED")},
			reason:   tracker.ReasonRenderFailed,
			rendered: 1,
		},
		{
			name:     "render timeout",
			url:      "https://shop.example/x",
			renderer: &fakeRenderer{block: true},
			reason:   tracker.ReasonRenderFailed,
			rendered: 1,
		},
		{
			name:     "upload failure",
			url:      "https://shop.example/x",
			renderer: &fakeRenderer{page: okPage()},
			mutate: func(h *harness) (tracker.BlobStore, tracker.CaptureStore, tracker.Publisher) {
				return failingBlobs{h.blobs}, h.store, h.publisher
			},
			reason:   tracker.ReasonUploadFailed,
			rendered: 1,
		},
		{
			name:     "record failure",
			url:      "https://shop.example/x",
			renderer: &fakeRenderer{page: okPage()},
			mutate: func(h *harness) (tracker.BlobStore, tracker.CaptureStore, tracker.Publisher) {
				return h.blobs, failingCaptures{h.store}, h.publisher
			},
			reason:   tracker.ReasonRecordFailed,
			rendered: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner, _ := newRunner(t, tt.mutate)
			c := runner.Execute(context.Background(), tt.renderer, Request{RunID: "run-f", Link: dailyLink(tt.url, false)})
			require.False(t, c.Success)
			require.Equal(t, tt.reason, c.Reason)
			require.NotEmpty(t, c.Err)
			require.Len(t, tt.renderer.rendered(), tt.rendered)
		})
	}
}

type fakePreflight struct{ err error }

func (p fakePreflight) Check(context.Context, string) error { return p.err }

func TestExecutePreflightRejectsBeforeRender(t *testing.T) {
	t.Parallel()

	runner, h := newRunner(t, nil)
	runner.cfg.Preflight = fakePreflight{err: errors.New("disallowed by robots.txt")}
	renderer := &fakeRenderer{page: okPage()}

	c := runner.Execute(context.Background(), renderer, Request{Link: dailyLink("https://shop.example/x", false)})
	require.False(t, c.Success)
	require.Equal(t, tracker.ReasonRenderFailed, c.Reason)
	require.Contains(t, c.Err, "robots.txt")
	require.Empty(t, renderer.rendered())
	require.Empty(t, h.store.Captures())
}

func TestExecutePreflightAllows(t *testing.T) {
	t.Parallel()

	runner, _ := newRunner(t, nil)
	runner.cfg.Preflight = fakePreflight{}

	c := runner.Execute(context.Background(), &fakeRenderer{page: okPage()}, Request{Link: dailyLink("https://shop.example/x", false)})
	require.True(t, c.Success, c.Err)
}

func TestExecuteDetectsBlockPage(t *testing.T) {
	t.Parallel()

	runner, h := newRunner(t, nil)
	runner.cfg.Detector = NewBlockDetector(0)
	page := okPage()
	page.HTML = "<html><title>Attention Required! | Cloudflare</title><div id=cf-challenge></div></html>"

	c := runner.Execute(context.Background(), &fakeRenderer{page: page}, Request{Link: dailyLink("https://shop.example/x", false)})
	require.False(t, c.Success)
	require.Equal(t, tracker.ReasonRenderFailed, c.Reason)
	require.Contains(t, c.Err, "blocked page detected")
	objects, err := h.blobs.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestBlockDetector(t *testing.T) {
	t.Parallel()

	d := NewBlockDetector(200)
	tests := []struct {
		name    string
		html    string
		blocked bool
	}{
		{name: "content page", html: okPage().HTML},
		{name: "empty", html: "  ", blocked: true},
		{name: "captcha", html: `<div class="g-recaptcha"></div>`, blocked: true},
		{name: "access denied", html: "<h1>Access Denied</h1>", blocked: true},
		{name: "large page mentioning captcha", html: "<p>" + strings.Repeat("x", 300) + "g-recaptcha</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, blocked := d.Detect(tt.html)
			require.Equal(t, tt.blocked, blocked)
		})
	}

	var none *BlockDetector
	_, blocked := none.Detect("")
	require.False(t, blocked)
}

func TestExecutePublishFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	runner, h := newRunner(t, func(h *harness) (tracker.BlobStore, tracker.CaptureStore, tracker.Publisher) {
		return h.blobs, h.store, failingPublisher{}
	})
	c := runner.Execute(context.Background(), &fakeRenderer{page: okPage()}, Request{Link: dailyLink("https://shop.example/x", false)})
	require.True(t, c.Success)
	require.Len(t, h.store.Captures(), 1)
}

func TestTaskReportsExactlyOnce(t *testing.T) {
	t.Parallel()

	runner, _ := newRunner(t, nil)
	var (
		mu    sync.Mutex
		calls []tracker.Completion
	)
	task := runner.NewTask(Request{RunID: "run-2", Link: dailyLink("https://shop.example/x", false)}, func(c tracker.Completion) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, c)
	})
	require.Equal(t, "shop.example", task.Host())
	require.Equal(t, "https://shop.example/x", task.Key())

	task.Run(context.Background(), &fakeRenderer{page: okPage()})
	task.Abort(errors.New("too late"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	require.True(t, calls[0].Success)
}

func TestTaskPanicReportsAborted(t *testing.T) {
	t.Parallel()

	runner, _ := newRunner(t, nil)
	done := make(chan tracker.Completion, 2)
	task := runner.NewTask(Request{Link: dailyLink("https://shop.example/x", false)}, func(c tracker.Completion) {
		done <- c
	})
	task.Run(context.Background(), &fakeRenderer{panic: true})

	c := <-done
	require.False(t, c.Success)
	require.Equal(t, tracker.ReasonAborted, c.Reason)
	require.Contains(t, c.Err, "tab crashed")
	require.Empty(t, done)
}

func TestTaskAbort(t *testing.T) {
	t.Parallel()

	runner, _ := newRunner(t, nil)
	var got tracker.Completion
	task := runner.NewTask(Request{RunID: "run-3", Key: "k", Link: dailyLink("https://shop.example/x", true)}, func(c tracker.Completion) {
		got = c
	})
	task.Abort(errors.New("pool closed"))

	require.Equal(t, "k", got.Key)
	require.Equal(t, "run-3", got.RunID)
	require.Equal(t, tracker.ReasonAborted, got.Reason)
	require.Equal(t, "pool closed", got.Err)
	require.True(t, got.IncludeParams)
}

func TestExtractTitle(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Hello", ExtractTitle("<html><head><title>Hello</title></head></html>"))
	require.Empty(t, ExtractTitle("<html><body>no title</body></html>"))
	require.Empty(t, ExtractTitle(""))
}

func TestObjectPrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "daily/", ObjectPrefix(tracker.TimingDaily, "", "abcde"))
	require.Equal(t, "weekly/a.example/", ObjectPrefix(tracker.TimingWeekly, "A.example", ""))
	require.Equal(t, "monthly/a.example/abcde/", ObjectPrefix(tracker.TimingMonthly, "a.example", "abcde"))
}
