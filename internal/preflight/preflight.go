// Package preflight checks that a link may be rendered before a browser slot is
// spent on it. A check honors robots.txt and rejects error responses.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/link-tracker/internal/metrics"
)

// ErrDisallowed reports a URL excluded by the site's robots.txt.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Config controls preflight behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Checker issues one GET per link through a colly collector.
type Checker struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Checker.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&robotsTransport{base: newHTTPTransport()})
	return &Checker{cfg: cfg, base: c}
}

// Check fetches rawURL and returns an error when robots.txt disallows it or
// the site answers with an error status.
func (p *Checker) Check(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("preflight canceled: %w", err)
	}
	collector := p.base.Clone()
	collector.IgnoreRobotsTxt = false
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var (
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	var err error
	select {
	case <-ctx.Done():
		metrics.ObservePreflight("canceled")
		return fmt.Errorf("preflight canceled: %w", ctx.Err())
	case err = <-done:
	}

	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		metrics.ObservePreflight("disallowed")
		return fmt.Errorf("%s: %w", rawURL, ErrDisallowed)
	case err == nil && fetchErr == nil:
		metrics.ObservePreflight("ok")
		return nil
	case status >= http.StatusBadRequest:
		metrics.ObservePreflight("status")
		return fmt.Errorf("preflight %s: status %d", rawURL, status)
	default:
		metrics.ObservePreflight("error")
		return fmt.Errorf("preflight %s: %w", rawURL, errors.Join(err, fetchErr))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
