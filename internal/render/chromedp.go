// Package render launches headless Chrome and renders pages into HTML and screenshots.
package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/pool"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Config controls the browser launched for each pool lifetime.
type Config struct {
	UserAgent         string
	ViewportWidth     int64
	ViewportHeight    int64
	Settle            time.Duration
	ScreenshotQuality int
	Headless          bool
	ExecPath          string
}

func (c Config) withDefaults() Config {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1600
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 998
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.ScreenshotQuality <= 0 || c.ScreenshotQuality > 100 {
		c.ScreenshotQuality = 100
	}
	return c
}

// Launcher starts headless Chrome processes.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

var _ pool.Launcher = (*Launcher)(nil)

// NewLauncher returns a Launcher using cfg.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg.withDefaults(), logger: logger}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	headless := any(false)
	if l.cfg.Headless {
		headless = "new"
	}
	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.NoSandbox,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(int(l.cfg.ViewportWidth), int(l.cfg.ViewportHeight)),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts a browser and waits until it is ready to open tabs.
func (l *Launcher) Launch(ctx context.Context) (pool.Browser, error) {
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	stop := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	l.logger.Info("browser launched",
		zap.Int64("viewport_width", l.cfg.ViewportWidth),
		zap.Int64("viewport_height", l.cfg.ViewportHeight),
	)
	return &Browser{
		cfg:             l.cfg,
		logger:          l.logger,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

// Browser is one running Chrome instance shared by all pool tasks.
type Browser struct {
	cfg             Config
	logger          *zap.Logger
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	closeOnce       sync.Once
}

// Close shuts down Chrome.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		b.browserCancel()
		b.allocatorCancel()
	})
	return nil
}

// tabOptions gives every tab its own browser context, disposed with the tab.
func tabOptions() []chromedp.ContextOption {
	return []chromedp.ContextOption{chromedp.WithNewBrowserContext()}
}

// screenshotContentType reports the format FullScreenshot produces for quality.
func screenshotContentType(quality int) string {
	if quality == 100 {
		return "image/png"
	}
	return "image/jpeg"
}

// Render opens a tab in a fresh browser context, loads rawURL and captures the page.
func (b *Browser) Render(ctx context.Context, rawURL string, timeout time.Duration) (tracker.Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx, tabOptions()...)
	defer cancelTab()

	taskCtx := tabCtx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		taskCtx, cancelTimeout = context.WithTimeout(tabCtx, timeout)
		defer cancelTimeout()
	}
	stop := forwardCancel(ctx, cancelTab)
	defer stop()

	meta := &documentResponse{}
	chromedp.ListenTarget(tabCtx, meta.capture)

	start := time.Now()
	var (
		html       string
		finalURL   string
		screenshot []byte
		thumbnail  []byte
	)
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(b.cfg.ViewportWidth, b.cfg.ViewportHeight, 1, false),
	}
	if b.cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(b.cfg.UserAgent))
	}
	tasks = append(tasks,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&thumbnail),
		chromedp.FullScreenshot(&screenshot, b.cfg.ScreenshotQuality),
	)
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return tracker.Page{}, fmt.Errorf("chromedp run: %w", err)
	}
	metrics.ObserveRender(rawURL, time.Since(start))

	status, responseURL := meta.snapshot()
	if responseURL == "" {
		responseURL = finalURL
	}
	if responseURL == "" {
		responseURL = rawURL
	}
	b.logger.Debug("page rendered",
		zap.String("url", rawURL),
		zap.String("final_url", responseURL),
		zap.Int("status", status),
		zap.Int("html_bytes", len(html)),
		zap.Duration("duration", time.Since(start)),
	)
	return tracker.Page{
		HTML:           html,
		Screenshot:     screenshot,
		Thumbnail:      thumbnail,
		ScreenshotType: screenshotContentType(b.cfg.ScreenshotQuality),
		FinalURL:       responseURL,
		StatusCode:     status,
	}, nil
}

type documentResponse struct {
	once   sync.Once
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentResponse) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.once.Do(func() {
		d.mu.Lock()
		d.status = int(resp.Response.Status)
		d.url = resp.Response.URL
		d.mu.Unlock()
	})
}

func (d *documentResponse) snapshot() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.url
}

// forwardCancel cancels the chromedp context when the caller's ctx ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
