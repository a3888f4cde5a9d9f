package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/scrape"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 500
	defaultCaptureLimit = 10
	maxCaptureLimit     = 100
)

type runProgress struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Expected  int `json:"expected"`
}

type runDTO struct {
	Run      tracker.Run  `json:"run"`
	State    string       `json:"state,omitempty"`
	Progress *runProgress `json:"progress,omitempty"`
}

type captureURLs struct {
	HTML       string `json:"html,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
}

type captureDTO struct {
	Capture tracker.Capture `json:"capture"`
	URLs    captureURLs     `json:"urls"`
}

// listRuns handles GET /v1/tracker/runs?limit=. It returns {"runs": [...]}
// newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	runs, err := s.deps.Runs.ListRuns(ctx, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, s.toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// getRun handles GET /v1/tracker/runs/{run_id}. It returns the stored record
// plus the live scheduler state while the batch is in flight, 400 for
// malformed ids and 404 for unknown runs.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, tracker.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, s.toRunDTO(run))
}

func (s *Server) toRunDTO(run tracker.Run) runDTO {
	dto := runDTO{Run: run}
	if s.deps.Triggers == nil {
		return dto
	}
	if state, ok := s.deps.Triggers.Status(run.ID); ok {
		dto.State = string(state)
	}
	if succeeded, failed, expected, ok := s.deps.Triggers.Progress(run.ID); ok {
		dto.Progress = &runProgress{Succeeded: succeeded, Failed: failed, Expected: expected}
	}
	return dto
}

// getCaptures handles GET /v1/tracker/captures/{hash}?limit=. Each capture
// carries presigned read URLs for its artifacts.
func (s *Server) getCaptures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Captures == nil || s.deps.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "capture store unavailable")
		return
	}
	hash := strings.TrimSpace(chi.URLParam(r, "hash"))
	if err := s.checkHash(hash); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultCaptureLimit, maxCaptureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	captures, err := s.deps.Captures.LatestCaptures(ctx, hash, limit)
	if err != nil {
		s.logger.Error("list captures failed", zap.String("hash", hash), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list captures")
		return
	}
	if len(captures) == 0 {
		writeError(w, http.StatusNotFound, "no captures for hash")
		return
	}

	out := make([]captureDTO, 0, len(captures))
	for _, c := range captures {
		urls, err := s.presignCapture(ctx, c.Keys)
		if err != nil {
			s.logger.Error("presign capture failed", zap.String("capture_id", c.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to presign capture")
			return
		}
		out = append(out, captureDTO{Capture: c, URLs: urls})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "captures": out})
}

func (s *Server) presignCapture(ctx context.Context, keys tracker.ArtifactKeys) (captureURLs, error) {
	var urls captureURLs
	targets := []struct {
		key string
		dst *string
	}{
		{keys.HTML, &urls.HTML},
		{keys.Screenshot, &urls.Screenshot},
		{keys.Thumbnail, &urls.Thumbnail},
	}
	for _, t := range targets {
		if t.key == "" {
			continue
		}
		url, err := s.deps.Blobs.PresignGet(ctx, t.key, s.cfg.PresignTTL)
		if err != nil {
			if errors.Is(err, tracker.ErrObjectNotFound) {
				continue
			}
			return captureURLs{}, err
		}
		*t.dst = url
	}
	return urls, nil
}

// listObjects handles GET /v1/tracker/objects?timing=&hash=&domain=|url=.
// Exactly one of domain and url must be given.
func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage unavailable")
		return
	}
	q := r.URL.Query()
	timing, err := tracker.ParseTiming(q.Get("timing"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash := strings.TrimSpace(q.Get("hash"))
	if err := s.checkHash(hash); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	domain := strings.TrimSpace(q.Get("domain"))
	rawURL := strings.TrimSpace(q.Get("url"))
	if (domain == "") == (rawURL == "") {
		writeError(w, http.StatusBadRequest, "either url or domain should be present")
		return
	}
	if rawURL != "" {
		if _, err := tracker.ValidateURL(rawURL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		domain = tracker.Hostname(rawURL)
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	prefix := scrape.ObjectPrefix(timing, domain, hash)
	objects, err := s.deps.Blobs.List(ctx, prefix)
	if err != nil {
		if errors.Is(err, tracker.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "bucket not found")
			return
		}
		s.logger.Error("list objects failed", zap.String("prefix", prefix), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list objects")
		return
	}
	if objects == nil {
		objects = []tracker.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "objects": objects})
}

func parseRunID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return "", errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid run_id")
	}
	return id.String(), nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
