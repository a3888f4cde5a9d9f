package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/queue"
	"github.com/JakeFAU/link-tracker/internal/scrape"
	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Queue names.
const (
	QueueDaily      = "dailyScrapeQueue"
	QueueWeekly     = "weeklyScrapeQueue"
	QueueMonthly    = "monthlyScrapeQueue"
	QueueSingleLink = "singleLinkScrapeQueue"
	QueueRescrape   = "rescrapeLinksQueue"
	QueueRetryLink  = "retryLinkQueue"
)

// Job names.
const (
	JobBatch      = "batch_scrape_job"
	JobSingleLink = "single_link_scrape_job"
	JobRescrape   = "rescrape_links_job"
	JobRetryLink  = "retry_link"
)

// RetryPayload is the retry_link job body.
type RetryPayload struct {
	RunID         string         `json:"cron_run_id"`
	Key           string         `json:"key"`
	URL           string         `json:"url"`
	IncludeParams bool           `json:"include_params"`
	Timing        tracker.Timing `json:"timing"`
}

// Link rebuilds the link to scrape. The identity key is already normalized.
func (p RetryPayload) Link() tracker.Link {
	url := p.Key
	if _, err := tracker.ValidateURL(url); err != nil {
		url = p.URL
	}
	return tracker.Link{
		URL:    url,
		Timing: p.Timing,
		Active: true,
		Domain: tracker.Domain{IncludeParams: p.IncludeParams, Active: true},
	}
}

// QueueForTiming maps a batch timing to its queue.
func QueueForTiming(timing tracker.Timing) (string, error) {
	switch timing {
	case tracker.TimingDaily:
		return QueueDaily, nil
	case tracker.TimingWeekly:
		return QueueWeekly, nil
	case tracker.TimingMonthly:
		return QueueMonthly, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTiming, timing)
	}
}

// BatchOptions returns the job options for a timing tier.
func BatchOptions(timing tracker.Timing) queue.Options {
	backoff := queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute}
	if timing == tracker.TimingDaily {
		return queue.Options{Priority: 1, Attempts: 3, Backoff: backoff}
	}
	return queue.Options{Priority: 5, Attempts: 10, Backoff: backoff}
}

// SingleLinkOptions returns the job options for single-link batches.
func SingleLinkOptions() queue.Options {
	return queue.Options{Priority: 1, Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffFixed, Delay: time.Second}}
}

// RetryOptions returns the job options for retry_link jobs.
func RetryOptions() queue.Options {
	return queue.Options{Priority: 1, Attempts: 3, Backoff: queue.Backoff{Type: queue.BackoffFixed, Delay: time.Second}}
}

func accepted(job queue.Job) Summary {
	return Summary{
		Success: 1,
		Message: "Job added to queue",
		Data: map[string]string{
			"job_id": job.ID,
			"queue":  job.Queue,
		},
	}
}

// StartBatch enqueues a batch for every active link of timing.
func (s *Scheduler) StartBatch(ctx context.Context, timing tracker.Timing) (Summary, error) {
	name, err := QueueForTiming(timing)
	if err != nil {
		return Summary{}, err
	}
	job, err := s.queue.Add(ctx, name, JobBatch, BatchRequest{Timing: timing}, BatchOptions(timing))
	if err != nil {
		return Summary{}, fmt.Errorf("enqueue batch: %w", err)
	}
	s.logger.Info("batch enqueued", zap.String("timing", string(timing)), zap.String("job_id", job.ID))
	return accepted(job), nil
}

// StartSingleLinkBatch enqueues a one-link batch for hash.
func (s *Scheduler) StartSingleLinkBatch(ctx context.Context, timing tracker.Timing, hash string) (Summary, error) {
	if _, err := QueueForTiming(timing); err != nil {
		return Summary{}, err
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Summary{}, fmt.Errorf("hash is required")
	}
	job, err := s.queue.Add(ctx, QueueSingleLink, JobSingleLink, BatchRequest{Timing: timing, Hash: hash}, SingleLinkOptions())
	if err != nil {
		return Summary{}, fmt.Errorf("enqueue single link: %w", err)
	}
	s.logger.Info("single link enqueued", zap.String("hash", hash), zap.String("job_id", job.ID))
	return accepted(job), nil
}

// RescrapeStale enqueues a batch over links of timing without a recent capture.
func (s *Scheduler) RescrapeStale(ctx context.Context, timing tracker.Timing) (Summary, error) {
	if _, err := QueueForTiming(timing); err != nil {
		return Summary{}, err
	}
	job, err := s.queue.Add(ctx, QueueRescrape, JobRescrape, BatchRequest{Timing: timing, Stale: true}, BatchOptions(tracker.TimingDaily))
	if err != nil {
		return Summary{}, fmt.Errorf("enqueue rescrape: %w", err)
	}
	s.logger.Info("rescrape enqueued", zap.String("timing", string(timing)), zap.String("job_id", job.ID))
	return accepted(job), nil
}

// Workers builds one queue worker per scheduler queue.
func (s *Scheduler) Workers(cfg queue.WorkerConfig) []*queue.Worker {
	var workers []*queue.Worker
	for _, name := range []string{QueueDaily, QueueWeekly, QueueMonthly} {
		w := queue.NewWorker(s.queue, name, cfg, s.logger)
		w.Handle(JobBatch, s.handleBatch)
		workers = append(workers, w)
	}

	single := queue.NewWorker(s.queue, QueueSingleLink, cfg, s.logger)
	single.Handle(JobSingleLink, s.handleBatch)
	rescrape := queue.NewWorker(s.queue, QueueRescrape, cfg, s.logger)
	rescrape.Handle(JobRescrape, s.handleBatch)
	retry := queue.NewWorker(s.queue, QueueRetryLink, cfg, s.logger)
	retry.Handle(JobRetryLink, s.handleRetry)

	return append(workers, single, rescrape, retry)
}

// Run consumes every scheduler queue until ctx ends.
func (s *Scheduler) Run(ctx context.Context, cfg queue.WorkerConfig) {
	queue.RunAll(ctx, s.Workers(cfg)...)
}

func (s *Scheduler) handleBatch(ctx context.Context, job queue.Job) error {
	var req BatchRequest
	if err := job.Decode(&req); err != nil {
		return err
	}
	req.JobID = job.ID
	summary, err := s.Execute(ctx, req)
	if err != nil {
		return err
	}
	s.logger.Info("batch job finished",
		zap.String("job_id", job.ID),
		zap.String("run_id", summary.RunID),
		zap.Int("count", summary.Count),
	)
	return nil
}

// handleRetry scrapes one previously failed link through the pool. A failed
// scrape fails the job so the queue's attempts and backoff drive the retry.
func (s *Scheduler) handleRetry(ctx context.Context, job queue.Job) error {
	var payload RetryPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	done := make(chan tracker.Completion, 1)
	task := s.runner.NewTask(scrape.Request{
		RunID:  payload.RunID,
		Key:    payload.Key,
		Link:   payload.Link(),
		Timing: payload.Timing,
	}, func(c tracker.Completion) { done <- c })
	if err := s.pool.Submit(task); err != nil {
		return fmt.Errorf("submit retry: %w", err)
	}

	select {
	case c := <-done:
		if !c.Success {
			return fmt.Errorf("retry %s: %s: %s", payload.Key, c.Reason, c.Err)
		}
		s.logger.Info("retry succeeded",
			zap.String("run_id", payload.RunID),
			zap.String("key", payload.Key),
			zap.Int("attempt", job.AttemptsMade+1),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry canceled: %w", ctx.Err())
	}
}
