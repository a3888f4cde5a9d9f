// Package run persists the lifecycle of batch runs.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/queue"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// RetryConfig controls retries of transient store errors while finalizing.
type RetryConfig struct {
	Attempts int
	Backoff  queue.Backoff
}

// DefaultRetry is used when RetryConfig is zero.
var DefaultRetry = RetryConfig{
	Attempts: 3,
	Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 200 * time.Millisecond},
}

// Recorder writes run records through a RunStore.
type Recorder struct {
	store  tracker.RunStore
	clock  tracker.Clock
	ids    tracker.IDGenerator
	retry  RetryConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRecorder constructs a Recorder.
func NewRecorder(
	store tracker.RunStore,
	clock tracker.Clock,
	ids tracker.IDGenerator,
	retry RetryConfig,
	logger *zap.Logger,
) *Recorder {
	if retry.Attempts <= 0 {
		retry = DefaultRetry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		clock:  clock,
		ids:    ids,
		retry:  retry,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// StartRun creates a PENDING run holding a snapshot of the submitted links.
func (r *Recorder) StartRun(ctx context.Context, links []tracker.RunLink, jobID string) (string, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	run := tracker.Run{
		ID:        id,
		Links:     links,
		Status:    tracker.RunPending,
		StartTime: r.clock.Now(),
		Summary:   tracker.RunSummary{Total: len(links), JobID: jobID},
	}
	created, err := r.store.CreateRun(ctx, run)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	r.logger.Info("run started", zap.String("run_id", created), zap.Int("links", len(links)), zap.String("job_id", jobID))
	return created, nil
}

// FinalizeRun records the terminal status and summary once. Finalizing an
// already-terminal run is a logged no-op.
func (r *Recorder) FinalizeRun(
	ctx context.Context,
	runID string,
	status tracker.RunStatus,
	summary tracker.RunSummary,
) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize run %s: status %s is not terminal", runID, status)
	}
	return r.update(ctx, runID, status, summary, "")
}

// FailRun marks a run FAILED after a setup failure.
func (r *Recorder) FailRun(ctx context.Context, runID, reason string) error {
	return r.update(ctx, runID, tracker.RunFailed, tracker.RunSummary{Error: reason}, reason)
}

func (r *Recorder) update(
	ctx context.Context,
	runID string,
	status tracker.RunStatus,
	summary tracker.RunSummary,
	reason string,
) error {
	logger := r.logger.With(zap.String("run_id", runID), zap.String("status", string(status)))
	end := r.clock.Now()

	var lastErr error
	for attempt := 1; attempt <= r.retry.Attempts; attempt++ {
		changed, err := r.store.UpdateRun(ctx, runID, status, end, summary, reason)
		if err == nil {
			if !changed {
				logger.Warn("run already finalized")
				return nil
			}
			logger.Info("run finalized",
				zap.Int("total", summary.Total),
				zap.Int("failed", len(summary.FailedLinks)),
			)
			return nil
		}
		lastErr = err
		if errors.Is(err, tracker.ErrRunNotFound) || ctx.Err() != nil {
			break
		}
		if attempt < r.retry.Attempts {
			logger.Warn("finalize run failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if sleepErr := r.sleep(ctx, r.retry.Backoff.Next(attempt)); sleepErr != nil {
				break
			}
		}
	}
	logger.Error("finalize run failed", zap.Error(lastErr))
	return fmt.Errorf("finalize run %s: %w", runID, lastErr)
}

// Get returns the stored run.
func (r *Recorder) Get(ctx context.Context, runID string) (tracker.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return tracker.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}
