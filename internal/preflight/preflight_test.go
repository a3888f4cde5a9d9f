package preflight

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/item", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html><title>item</title></html>")
	})
	mux.HandleFunc("/private/item", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secret")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckAllowsReachablePage(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{UserAgent: "linktracker-test", Timeout: 2 * time.Second})

	require.NoError(t, p.Check(context.Background(), srv.URL+"/item"))
	require.NoError(t, p.Check(context.Background(), srv.URL+"/item"), "revisits must be allowed")
}

func TestCheckHonorsRobots(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{Timeout: 2 * time.Second})

	err := p.Check(context.Background(), srv.URL+"/private/item")
	require.ErrorIs(t, err, ErrDisallowed)
}

func TestCheckRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p := New(Config{Timeout: 2 * time.Second})

	err := p.Check(context.Background(), srv.URL+"/missing")
	require.ErrorContains(t, err, "status 404")
}

func TestCheckCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Config{Timeout: time.Second})

	err := p.Check(ctx, "http://127.0.0.1:1/item")
	require.ErrorIs(t, err, context.Canceled)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx].resp, s.results[idx].err
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsTransport{base: base, sleep: noSleep}

	req := httptest.NewRequest(http.MethodGet, "https://shop.example/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, len(robotsRetryBackoff)+1, base.calls)
}

func TestRobotsTransportStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := &robotsTransport{base: base, sleep: noSleep}

	req := httptest.NewRequest(http.MethodGet, "https://shop.example/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
}

func TestRobotsTransportPassesOtherErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	base := &stubRoundTripper{results: []roundTripResult{{err: boom}}}
	transport := &robotsTransport{base: base, sleep: noSleep}

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example/robots.txt", nil))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, base.calls)

	_, err = transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example/item", nil))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, base.calls)
}
