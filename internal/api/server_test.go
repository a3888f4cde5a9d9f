package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/hash/sha256"
	"github.com/JakeFAU/link-tracker/internal/scheduler"
	"github.com/JakeFAU/link-tracker/internal/storage/memory"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

const runID = "6f1c1c4e-8d4b-4b59-9a55-3f1f0f7c1a01"

type triggerCall struct {
	op     string
	timing tracker.Timing
	hash   string
}

type fakeTriggers struct {
	mu    sync.Mutex
	calls []triggerCall
	err   error
	state map[string]scheduler.State
}

func (f *fakeTriggers) record(op string, timing tracker.Timing, hash string) (scheduler.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, triggerCall{op: op, timing: timing, hash: hash})
	if f.err != nil {
		return scheduler.Summary{}, f.err
	}
	return scheduler.Summary{
		Success: 1,
		Message: "Job added to queue",
		Data:    map[string]string{"job_id": "job-1", "queue": op},
	}, nil
}

func (f *fakeTriggers) StartBatch(_ context.Context, timing tracker.Timing) (scheduler.Summary, error) {
	return f.record("start", timing, "")
}

func (f *fakeTriggers) StartSingleLinkBatch(_ context.Context, timing tracker.Timing, hash string) (scheduler.Summary, error) {
	return f.record("single", timing, hash)
}

func (f *fakeTriggers) RescrapeStale(_ context.Context, timing tracker.Timing) (scheduler.Summary, error) {
	return f.record("rescrape", timing, "")
}

func (f *fakeTriggers) Status(id string) (scheduler.State, bool) {
	st, ok := f.state[id]
	return st, ok
}

func (f *fakeTriggers) Progress(id string) (int, int, int, bool) {
	if _, ok := f.state[id]; !ok {
		return 0, 0, 0, false
	}
	return 1, 0, 2, true
}

func (f *fakeTriggers) Calls() []triggerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCall(nil), f.calls...)
}

type harness struct {
	server   *Server
	triggers *fakeTriggers
	store    *memory.Store
	blobs    *memory.BlobStore
}

func newHarness(t *testing.T, cfg Config, checks map[string]Check) *harness {
	t.Helper()
	h := &harness{
		triggers: &fakeTriggers{state: map[string]scheduler.State{}},
		store:    memory.NewStore(),
		blobs:    memory.NewBlobStore(),
	}
	if cfg.HashLength == 0 {
		cfg.HashLength = 5
	}
	h.server = NewServer(Deps{
		Triggers: h.triggers,
		Runs:     h.store,
		Captures: h.store,
		Blobs:    h.blobs,
		Hasher:   sha256.New(cfg.HashLength),
		Checks:   checks,
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := newHarness(t, Config{}, map[string]Check{
		"postgres": func(context.Context) error { return nil },
	})
	require.Equal(t, http.StatusOK, ready.do(http.MethodGet, "/readyz", "").Code)

	failing := newHarness(t, Config{}, map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec := failing.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis")
	require.NotContains(t, rec.Body.String(), "postgres")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.do(http.MethodGet, "/v1/tracker/runs", "")
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_StartBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/tracker/start", `{"timing":"weekly"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.EqualValues(t, 1, body["success"])
	require.Equal(t, "Job added to queue", body["message"])
	require.Equal(t, []triggerCall{{op: "start", timing: tracker.TimingWeekly}}, h.triggers.Calls())
}

func TestServer_StartBatchRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{"},
		{name: "unknown timing", body: `{"timing":"HOURLY"}`},
		{name: "on demand", body: `{"timing":"ON_DEMAND"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, nil)
			rec := h.do(http.MethodPost, "/v1/tracker/start", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, h.triggers.Calls())
		})
	}
}

func TestServer_StartBatchQueueError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.triggers.err = errors.New("redis down")
	rec := h.do(http.MethodPost, "/v1/tracker/start", `{"timing":"DAILY"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "redis down")
}

func TestServer_StartSingle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/tracker/start/single", `{"timing":"DAILY","hash":"ab12c"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []triggerCall{{op: "single", timing: tracker.TimingDaily, hash: "ab12c"}}, h.triggers.Calls())

	rec = h.do(http.MethodPost, "/v1/tracker/start/single", `{"timing":"DAILY","hash":"ab12"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "5 characters")

	rec = h.do(http.MethodPost, "/v1/tracker/start/single", `{"timing":"DAILY"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, h.triggers.Calls(), 1)
}

func TestServer_Rescrape(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/tracker/rescrape", `{"timing":"DAILY"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "rescrape", h.triggers.Calls()[0].op)
}

func TestServer_TriggersRequireAPIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{APIKey: "secret"}, nil)
	rec := h.do(http.MethodPost, "/v1/tracker/start", `{"timing":"DAILY"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, h.triggers.Calls())

	rec = h.do(http.MethodPost, "/v1/tracker/start", `{"timing":"DAILY"}`, "Authorization", "secret")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodGet, "/v1/tracker/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_HashLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/tracker/hash", `{"link":"https://Shop.Example/p?id=1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "https://shop.example/p", body["url"])
	want, err := sha256.New(5).Hash([]byte("https://shop.example/p"))
	require.NoError(t, err)
	require.Equal(t, want, body["hash"])

	rec = h.do(http.MethodPost, "/v1/tracker/hash", `{"link":"ftp://x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	_, err := h.store.CreateRun(context.Background(), tracker.Run{
		ID:        runID,
		Status:    tracker.RunPending,
		StartTime: time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC),
		Links:     []tracker.RunLink{{Key: "https://a.example/1", URL: "https://a.example/1"}},
	})
	require.NoError(t, err)
	h.triggers.state[runID] = scheduler.StateAwaitingCompletions

	rec := h.do(http.MethodGet, "/v1/tracker/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, string(scheduler.StateAwaitingCompletions), body["state"])
	progress := body["progress"].(map[string]any)
	require.EqualValues(t, 2, progress["expected"])
	run := body["run"].(map[string]any)
	require.Equal(t, "PENDING", run["status"])

	rec = h.do(http.MethodGet, "/v1/tracker/runs/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/tracker/runs/0b5a3f4e-0000-4000-8000-000000000000", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	base := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := h.store.CreateRun(context.Background(), tracker.Run{Status: tracker.RunSuccess, StartTime: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/v1/tracker/runs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["runs"].([]any)
	require.Len(t, runs, 2)

	rec = h.do(http.MethodGet, "/v1/tracker/runs?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetCaptures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PresignTTL: time.Hour}, nil)
	ctx := context.Background()
	for _, key := range []string{"daily/a.example/ab12c/1715306400000/html", "daily/a.example/ab12c/1715306400000/screenshot"} {
		_, err := h.blobs.PutObject(ctx, key, "text/plain", strings.NewReader("x"), nil)
		require.NoError(t, err)
	}
	require.NoError(t, h.store.CreateCapture(ctx, tracker.Capture{
		ID:     "cap-1",
		Hash:   "ab12c",
		Timing: tracker.TimingDaily,
		Status: tracker.CaptureSuccess,
		Keys: tracker.ArtifactKeys{
			HTML:       "daily/a.example/ab12c/1715306400000/html",
			Screenshot: "daily/a.example/ab12c/1715306400000/screenshot",
			Thumbnail:  "daily/a.example/ab12c/1715306400000/thumbnail",
		},
		CreatedAt: time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC),
	}))

	rec := h.do(http.MethodGet, "/v1/tracker/captures/ab12c", "")
	require.Equal(t, http.StatusOK, rec.Code)
	captures := decode(t, rec)["captures"].([]any)
	require.Len(t, captures, 1)
	urls := captures[0].(map[string]any)["urls"].(map[string]any)
	require.Equal(t, "memory://daily/a.example/ab12c/1715306400000/html?expires=3600", urls["html"])
	require.NotEmpty(t, urls["screenshot"])
	require.Nil(t, urls["thumbnail"])

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/tracker/captures/zzzzz", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/tracker/captures/abc", "").Code)
}

func TestServer_ListObjects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	for _, key := range []string{
		"weekly/shop.example/ab12c/1/html",
		"weekly/shop.example/ab12c/1/screenshot",
		"weekly/shop.example/zz999/1/html",
	} {
		_, err := h.blobs.PutObject(ctx, key, "text/plain", strings.NewReader("x"), nil)
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/v1/tracker/objects?timing=WEEKLY&hash=ab12c&url=https://Shop.Example/item", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "weekly/shop.example/ab12c/", body["prefix"])
	require.Len(t, body["objects"].([]any), 2)

	rec = h.do(http.MethodGet, "/v1/tracker/objects?timing=WEEKLY&hash=ab12c&domain=shop.example", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/v1/tracker/objects?timing=WEEKLY&hash=ab12c", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodGet, "/v1/tracker/objects?timing=WEEKLY&hash=ab12c&domain=a&url=https://a", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodGet, "/v1/tracker/objects?timing=YEARLY&hash=ab12c&domain=a", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PresignKeys(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PresignTTL: time.Minute}, nil)
	_, err := h.blobs.PutObject(context.Background(), "daily/a/b/1/html", "text/html", strings.NewReader("x"), nil)
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/v1/tracker/presign", `{"keys":["daily/a/b/1/html","missing"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	urls := body["urls"].(map[string]any)
	require.Equal(t, "memory://daily/a/b/1/html?expires=60", urls["daily/a/b/1/html"])
	require.Equal(t, []any{"missing"}, body["missing"])

	rec = h.do(http.MethodPost, "/v1/tracker/presign", `{"keys":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.server.deps.Runs = panicRuns{}
	rec := h.do(http.MethodGet, "/v1/tracker/runs", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicRuns struct{ tracker.RunStore }

func (panicRuns) ListRuns(context.Context, int) ([]tracker.Run, error) { panic("boom") }
