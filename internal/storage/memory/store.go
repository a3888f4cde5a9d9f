package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Store implements the link, run and capture stores in-memory.
type Store struct {
	mu       sync.RWMutex
	links    []tracker.Link
	runs     map[string]tracker.Run
	captures []tracker.Capture
}

var (
	_ tracker.LinkStore    = (*Store)(nil)
	_ tracker.RunStore     = (*Store)(nil)
	_ tracker.CaptureStore = (*Store)(nil)
)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{runs: make(map[string]tracker.Run)}
}

// AddLinks seeds tracked links.
func (s *Store) AddLinks(links ...tracker.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, links...)
}

func activeFor(link tracker.Link, timing tracker.Timing) bool {
	return link.Active && link.Domain.Active && link.Timing == timing
}

// FindActiveLinks returns active links of timing whose domain is active.
func (s *Store) FindActiveLinks(_ context.Context, timing tracker.Timing) ([]tracker.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Link
	for _, link := range s.links {
		if activeFor(link, timing) {
			out = append(out, link)
		}
	}
	return out, nil
}

// FindLinkByHash returns the active link of timing with the given hash.
func (s *Store) FindLinkByHash(_ context.Context, timing tracker.Timing, hash string) (tracker.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, link := range s.links {
		if link.Hash == hash && activeFor(link, timing) {
			return link, nil
		}
	}
	return tracker.Link{}, fmt.Errorf("%w: %s %s", tracker.ErrLinkNotFound, timing, hash)
}

// FindLinksStaleSince returns active links with no capture after cutoff.
func (s *Store) FindLinksStaleSince(
	_ context.Context,
	timing tracker.Timing,
	cutoff time.Time,
) ([]tracker.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fresh := make(map[string]bool)
	for _, c := range s.captures {
		if c.CreatedAt.After(cutoff) {
			fresh[c.Hash] = true
		}
	}
	var out []tracker.Link
	for _, link := range s.links {
		if activeFor(link, timing) && !fresh[link.Hash] {
			out = append(out, link)
		}
	}
	return out, nil
}

// CreateRun stores a run and returns its id.
func (s *Store) CreateRun(_ context.Context, run tracker.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := s.runs[run.ID]; exists {
		return "", errors.New("run already exists")
	}
	run.Links = append([]tracker.RunLink(nil), run.Links...)
	s.runs[run.ID] = run
	return run.ID, nil
}

// UpdateRun finalizes a pending run.
func (s *Store) UpdateRun(
	_ context.Context,
	id string,
	status tracker.RunStatus,
	endTime time.Time,
	summary tracker.RunSummary,
	failureReason string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", tracker.ErrRunNotFound, id)
	}
	if run.Status != tracker.RunPending {
		return false, nil
	}
	run.Status = status
	run.EndTime = &endTime
	run.Summary = summary
	run.FailureReason = failureReason
	s.runs[id] = run
	return true, nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, id string) (tracker.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return tracker.Run{}, fmt.Errorf("%w: %s", tracker.ErrRunNotFound, id)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]tracker.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateCapture stores a capture.
func (s *Store) CreateCapture(_ context.Context, capture tracker.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, capture)
	return nil
}

// LatestCaptures returns captures for hash, newest first.
func (s *Store) LatestCaptures(_ context.Context, hash string, limit int) ([]tracker.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Capture
	for _, c := range s.captures {
		if c.Hash == hash {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Captures returns every stored capture.
func (s *Store) Captures() []tracker.Capture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tracker.Capture(nil), s.captures...)
}
