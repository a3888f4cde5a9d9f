package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/scheduler"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

type timingRequest struct {
	Timing string `json:"timing"`
}

type singleRequest struct {
	Timing string `json:"timing"`
	Hash   string `json:"hash"`
}

type hashRequest struct {
	Link          string `json:"link"`
	IncludeParams bool   `json:"include_params"`
}

type presignRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	timing, ok := s.decodeTiming(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Triggers.StartBatch(r.Context(), timing)
	s.respondTrigger(w, "start batch", summary, err)
}

func (s *Server) rescrape(w http.ResponseWriter, r *http.Request) {
	timing, ok := s.decodeTiming(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Triggers.RescrapeStale(r.Context(), timing)
	s.respondTrigger(w, "rescrape", summary, err)
}

func (s *Server) startSingle(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	timing, err := batchTiming(req.Timing)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash := strings.TrimSpace(req.Hash)
	if err := s.checkHash(hash); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.deps.Triggers.StartSingleLinkBatch(r.Context(), timing, hash)
	s.respondTrigger(w, "start single link", summary, err)
}

func (s *Server) decodeTiming(w http.ResponseWriter, r *http.Request) (tracker.Timing, bool) {
	var req timingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	timing, err := batchTiming(req.Timing)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return timing, true
}

func (s *Server) respondTrigger(w http.ResponseWriter, op string, summary scheduler.Summary, err error) {
	if err != nil {
		if errors.Is(err, scheduler.ErrUnsupportedTiming) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error(op+" failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, summary)
}

// batchTiming accepts only the scheduled tiers.
func batchTiming(raw string) (tracker.Timing, error) {
	timing, err := tracker.ParseTiming(raw)
	if err != nil {
		return "", err
	}
	if _, err := scheduler.QueueForTiming(timing); err != nil {
		return "", err
	}
	return timing, nil
}

func (s *Server) checkHash(hash string) error {
	if hash == "" {
		return errors.New("hash is required")
	}
	if s.cfg.HashLength > 0 && len(hash) != s.cfg.HashLength {
		return fmt.Errorf("hash must be %d characters", s.cfg.HashLength)
	}
	return nil
}

func (s *Server) hashLink(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hasher == nil {
		writeError(w, http.StatusServiceUnavailable, "hasher unavailable")
		return
	}
	var req hashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	normalized, err := tracker.NormalizeURL(req.Link, req.IncludeParams, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := s.deps.Hasher.Hash([]byte(normalized))
	if err != nil {
		s.logger.Error("hash link failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to hash link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": hash, "url": normalized})
}

func (s *Server) presignKeys(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage unavailable")
		return
	}
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys required")
		return
	}
	urls := make(map[string]string, len(req.Keys))
	var missing []string
	for _, key := range req.Keys {
		url, err := s.deps.Blobs.PresignGet(r.Context(), key, s.cfg.PresignTTL)
		if err != nil {
			if errors.Is(err, tracker.ErrObjectNotFound) {
				missing = append(missing, key)
				continue
			}
			s.logger.Error("presign failed", zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to presign keys")
			return
		}
		urls[key] = url
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls, "missing": missing})
}
