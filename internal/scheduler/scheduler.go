// Package scheduler drives batch runs: it loads links, dispatches scrape tasks
// to the automation pool, waits for the aggregated outcome and finalizes the run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/batch"
	"github.com/JakeFAU/link-tracker/internal/logging"
	"github.com/JakeFAU/link-tracker/internal/metrics"
	"github.com/JakeFAU/link-tracker/internal/pool"
	"github.com/JakeFAU/link-tracker/internal/queue"
	"github.com/JakeFAU/link-tracker/internal/scrape"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// State is the lifecycle state of one batch.
type State string

// Batch states.
const (
	StateLoadingLinks        State = "LOADING_LINKS"
	StateDispatching         State = "DISPATCHING"
	StateAwaitingCompletions State = "AWAITING_COMPLETIONS"
	StateAllSuccess          State = "ALL_SUCCESS"
	StateAllFailed           State = "ALL_FAILED"
	StatePartialRequeued     State = "PARTIAL_REQUEUED"
)

// Pool is the subset of the automation pool the scheduler drives.
type Pool interface {
	EnsureStarted(ctx context.Context) error
	Submit(task pool.Task) error
	AwaitIdleThenClose(ctx context.Context) error
}

// Recorder persists run records.
type Recorder interface {
	StartRun(ctx context.Context, links []tracker.RunLink, jobID string) (string, error)
	FinalizeRun(ctx context.Context, runID string, status tracker.RunStatus, summary tracker.RunSummary) error
	FailRun(ctx context.Context, runID, reason string) error
}

// Config controls batch behavior.
type Config struct {
	// BatchTimeout aborts outstanding links when set.
	BatchTimeout time.Duration
	// StaleAfter is how old the newest capture may be before a link is rescraped.
	StaleAfter time.Duration
	// DrainTimeout bounds how long the pool may take to drain on release.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 72 * time.Hour
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	return c
}

// BatchRequest describes one batch to execute.
type BatchRequest struct {
	Timing tracker.Timing `json:"timing"`
	// Hash limits the batch to a single link.
	Hash string `json:"hash,omitempty"`
	// Stale limits the batch to links without a recent capture.
	Stale bool   `json:"stale,omitempty"`
	JobID string `json:"-"`
}

// Summary is returned by triggers and batch executions.
type Summary struct {
	Success int    `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Count   int    `json:"count"`
	RunID   string `json:"run_id,omitempty"`
}

// Scheduler executes batches.
type Scheduler struct {
	links    tracker.LinkStore
	recorder Recorder
	runner   *scrape.Runner
	pool     Pool
	queue    queue.Queue
	notifier tracker.Notifier
	clock    tracker.Clock
	cfg      Config
	logger   *zap.Logger

	registry *batch.Registry

	// lifecycle serializes pool start and close against lease changes.
	lifecycle sync.Mutex
	leases    int

	mu     sync.RWMutex
	states map[string]State
	order  []string
}

// maxTrackedRuns bounds the in-memory run state history.
const maxTrackedRuns = 1024

// New constructs a Scheduler.
func New(
	links tracker.LinkStore,
	recorder Recorder,
	runner *scrape.Runner,
	p Pool,
	q queue.Queue,
	notifier tracker.Notifier,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		links:    links,
		recorder: recorder,
		runner:   runner,
		pool:     p,
		queue:    q,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		registry: batch.NewRegistry(),
		states:   make(map[string]State),
	}
}

// Status returns the last known state of a run.
func (s *Scheduler) Status(runID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[runID]
	return st, ok
}

// Progress returns live counts for an in-flight run.
func (s *Scheduler) Progress(runID string) (succeeded, failed, expected int, ok bool) {
	agg, ok := s.registry.Get(runID)
	if !ok {
		return 0, 0, 0, false
	}
	succeeded, failed, expected = agg.Counts()
	return succeeded, failed, expected, true
}

func (s *Scheduler) setState(runID string, st State, logger *zap.Logger) {
	s.mu.Lock()
	if _, seen := s.states[runID]; !seen {
		s.order = append(s.order, runID)
		if len(s.order) > maxTrackedRuns {
			delete(s.states, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.states[runID] = st
	s.mu.Unlock()
	logger.Info("batch state", zap.String("state", string(st)))
}

// acquire takes a pool lease, starting the pool if needed.
func (s *Scheduler) acquire(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if err := s.pool.EnsureStarted(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	s.leases++
	return nil
}

// release drops a lease. The last holder drains and closes the pool.
func (s *Scheduler) release() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.leases--
	if s.leases > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := s.pool.AwaitIdleThenClose(ctx); err != nil {
		s.logger.Warn("pool close", zap.Error(err))
	}
}

func (s *Scheduler) loadLinks(ctx context.Context, req BatchRequest) ([]tracker.Link, error) {
	switch {
	case req.Hash != "":
		link, err := s.links.FindLinkByHash(ctx, req.Timing, req.Hash)
		if err != nil {
			return nil, fmt.Errorf("find link %s: %w", req.Hash, err)
		}
		return []tracker.Link{link}, nil
	case req.Stale:
		links, err := s.links.FindLinksStaleSince(ctx, req.Timing, s.clock.Now().Add(-s.cfg.StaleAfter))
		if err != nil {
			return nil, fmt.Errorf("find stale links: %w", err)
		}
		return links, nil
	default:
		links, err := s.links.FindActiveLinks(ctx, req.Timing)
		if err != nil {
			return nil, fmt.Errorf("find active links: %w", err)
		}
		return links, nil
	}
}

// recordMissingLink writes a failed run for a single-link batch whose hash
// matched nothing, so the miss shows up in the run history.
func (s *Scheduler) recordMissingLink(ctx context.Context, req BatchRequest, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	runID, err := s.recorder.StartRun(ctx, []tracker.RunLink{{Hash: req.Hash, Timing: req.Timing}}, req.JobID)
	if err != nil {
		logger.Error("record missing link", zap.String("hash", req.Hash), zap.Error(err))
		return
	}
	if err := s.recorder.FailRun(ctx, runID, ReasonLinkNotFound); err != nil {
		logger.Error("record missing link", zap.String("run_id", runID), zap.Error(err))
	}
	s.setState(runID, StateAllFailed, logger)
}

// ReasonLinkNotFound is the failure reason of a single-link run whose hash is unknown.
const ReasonLinkNotFound = "Link not found in db"

// dedupe keys links by identity key, keeping the first of each.
func dedupe(links []tracker.Link, timing tracker.Timing) ([]tracker.Link, []tracker.RunLink, int) {
	seen := make(map[string]bool, len(links))
	kept := make([]tracker.Link, 0, len(links))
	snapshot := make([]tracker.RunLink, 0, len(links))
	dropped := 0
	for _, link := range links {
		key := tracker.IdentityKey(link)
		if seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		kept = append(kept, link)
		snapshot = append(snapshot, tracker.RunLink{Key: key, URL: link.URL, Hash: link.Hash, Timing: timing})
	}
	return kept, snapshot, dropped
}

// Execute runs one batch to completion. Errors are returned only for setup
// failures; link failures are reflected in the run record and summary.
func (s *Scheduler) Execute(ctx context.Context, req BatchRequest) (Summary, error) {
	logger := s.logger.With(zap.String("timing", string(req.Timing)), zap.String("job_id", req.JobID))
	logger.Info("batch state", zap.String("state", string(StateLoadingLinks)))

	links, err := s.loadLinks(ctx, req)
	if err != nil {
		if req.Hash != "" && errors.Is(err, tracker.ErrLinkNotFound) {
			s.recordMissingLink(ctx, req, logger)
		}
		return Summary{}, err
	}
	links, snapshot, dropped := dedupe(links, req.Timing)
	if dropped > 0 {
		logger.Warn("duplicate links skipped", zap.Int("count", dropped))
	}

	runID, err := s.recorder.StartRun(ctx, snapshot, req.JobID)
	if err != nil {
		return Summary{}, fmt.Errorf("start run: %w", err)
	}
	logger = logging.ForRun(s.logger, runID, string(req.Timing)).With(zap.String("job_id", req.JobID))

	if len(links) == 0 {
		logger.Warn("no links to scrape")
		summary := tracker.RunSummary{Outcome: string(batch.OutcomeSuccessAll), JobID: req.JobID}
		if err := s.recorder.FinalizeRun(ctx, runID, tracker.RunSuccess, summary); err != nil {
			return Summary{}, err
		}
		s.setState(runID, StateAllSuccess, logger)
		metrics.ObserveBatch(string(req.Timing), string(batch.OutcomeSuccessAll))
		return Summary{Success: 1, Message: "OK", Data: []string{}, Count: 0, RunID: runID}, nil
	}

	if err := s.acquire(ctx); err != nil {
		logger.Error("pool unavailable", zap.Error(err))
		if failErr := s.recorder.FailRun(context.WithoutCancel(ctx), runID, err.Error()); failErr != nil {
			logger.Error("record setup failure", zap.Error(failErr))
		}
		s.setState(runID, StateAllFailed, logger)
		s.notifier.Post(context.WithoutCancel(ctx),
			fmt.Sprintf("Batch %s for timing %s could not start: %v", runID, req.Timing, err))
		return Summary{}, err
	}
	defer s.release()

	done := make(chan batch.Result, 1)
	agg := batch.New(runID, len(links), func(res batch.Result) { done <- res })
	s.registry.Register(agg)
	defer s.registry.Remove(runID)

	s.setState(runID, StateDispatching, logger)
	keys := make([]string, 0, len(snapshot))
	byKey := make(map[string]tracker.Link, len(links))
	for i, link := range links {
		key := snapshot[i].Key
		keys = append(keys, key)
		byKey[key] = link
		task := s.runner.NewTask(scrape.Request{
			RunID:  runID,
			Key:    key,
			Link:   link,
			Timing: req.Timing,
		}, s.completionHandler(runID, req.Timing))
		if err := s.pool.Submit(task); err != nil {
			logger.Warn("submit failed", zap.String("key", key), zap.Error(err))
			agg.Record(abortedCompletion(runID, key, link, err.Error()))
		}
	}

	s.setState(runID, StateAwaitingCompletions, logger)
	res := s.await(ctx, agg, keys, byKey, done, logger)
	return s.finalize(context.WithoutCancel(ctx), req, res, logger), nil
}

// completionHandler feeds completions into the run's aggregator.
func (s *Scheduler) completionHandler(runID string, timing tracker.Timing) func(tracker.Completion) {
	return func(c tracker.Completion) {
		agg, ok := s.registry.Get(runID)
		if !ok || agg.Done() {
			metrics.ObserveLateCompletion(string(timing))
			s.logger.Info("late completion discarded",
				zap.String("run_id", runID),
				zap.String("key", c.Key),
				zap.Bool("success", c.Success),
			)
			return
		}
		agg.Record(c)
	}
}

// await blocks until the aggregator is terminal, aborting outstanding keys
// when the watchdog fires or the context ends.
func (s *Scheduler) await(
	ctx context.Context,
	agg *batch.Aggregator,
	keys []string,
	byKey map[string]tracker.Link,
	done <-chan batch.Result,
	logger *zap.Logger,
) batch.Result {
	var watchdog <-chan time.Time
	if s.cfg.BatchTimeout > 0 {
		timer := time.NewTimer(s.cfg.BatchTimeout)
		defer timer.Stop()
		watchdog = timer.C
	}

	select {
	case res := <-done:
		return res
	case <-watchdog:
		s.abortPending(agg, keys, byKey, "batch timeout exceeded", logger)
	case <-ctx.Done():
		s.abortPending(agg, keys, byKey, "batch canceled: "+ctx.Err().Error(), logger)
	}
	return <-done
}

func (s *Scheduler) abortPending(
	agg *batch.Aggregator,
	keys []string,
	byKey map[string]tracker.Link,
	reason string,
	logger *zap.Logger,
) {
	pending := agg.Pending(keys)
	logger.Warn("aborting outstanding links", zap.Int("count", len(pending)), zap.String("reason", reason))
	for _, key := range pending {
		link, ok := byKey[key]
		if !ok {
			link = tracker.Link{URL: key}
		}
		agg.Record(abortedCompletion(agg.RunID(), key, link, reason))
	}
}

// abortedCompletion stands in for a task that never reported. It keeps the
// link's params setting so a retry renders the same URL.
func abortedCompletion(runID, key string, link tracker.Link, reason string) tracker.Completion {
	return tracker.Completion{
		RunID:         runID,
		Key:           key,
		URL:           link.URL,
		IncludeParams: link.IncludeParams(),
		Reason:        tracker.ReasonAborted,
		Err:           reason,
	}
}

func (s *Scheduler) finalize(ctx context.Context, req BatchRequest, res batch.Result, logger *zap.Logger) Summary {
	summary := tracker.RunSummary{
		Outcome:     string(res.Outcome),
		Total:       res.Expected,
		Succeeded:   res.Succeeded,
		FailedLinks: res.Failed,
		JobID:       req.JobID,
		Artifacts:   make(map[string]tracker.ArtifactKeys, len(res.Succeeded)),
	}
	for _, key := range res.Succeeded {
		summary.Artifacts[key] = res.Completions[key].Keys
	}

	if err := s.recorder.FinalizeRun(ctx, res.RunID, res.Outcome.RunStatus(), summary); err != nil {
		logger.Error("finalize run", zap.Error(err))
	}
	metrics.ObserveBatch(string(req.Timing), string(res.Outcome))

	switch res.Outcome {
	case batch.OutcomeSuccessAll:
		s.setState(res.RunID, StateAllSuccess, logger)
	case batch.OutcomeFailedAll:
		s.setState(res.RunID, StateAllFailed, logger)
		s.notifier.Post(ctx, fmt.Sprintf("All %d links failed, for timing %s (run %s)", res.Expected, req.Timing, res.RunID))
	case batch.OutcomePartial:
		requeued := s.requeue(ctx, req.Timing, res, logger)
		s.setState(res.RunID, StatePartialRequeued, logger)
		s.notifier.Post(ctx, fmt.Sprintf("Found %d failed links, for timing %s (run %s, %d requeued)",
			len(res.Failed), req.Timing, res.RunID, requeued))
	}

	return Summary{
		Success: 1,
		Message: "OK",
		Data:    res.Failed,
		Count:   res.Expected,
		RunID:   res.RunID,
	}
}

// requeue adds one retry job per failed link and returns how many were added.
func (s *Scheduler) requeue(ctx context.Context, timing tracker.Timing, res batch.Result, logger *zap.Logger) int {
	added := 0
	for _, key := range res.Failed {
		c := res.Completions[key]
		payload := RetryPayload{
			RunID:         res.RunID,
			Key:           key,
			URL:           c.URL,
			IncludeParams: c.IncludeParams,
			Timing:        timing,
		}
		if _, err := s.queue.Add(ctx, QueueRetryLink, JobRetryLink, payload, RetryOptions()); err != nil {
			logger.Error("requeue failed link", zap.String("key", key), zap.Error(err))
			continue
		}
		added++
	}
	return added
}

// ErrUnsupportedTiming is returned for timings that have no batch queue.
var ErrUnsupportedTiming = errors.New("unsupported timing")
