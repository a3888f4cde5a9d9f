package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/link-tracker/internal/metrics"
)

// Handler processes one job. A returned error fails the attempt.
type Handler func(ctx context.Context, job Job) error

// WorkerConfig controls the consume loop.
type WorkerConfig struct {
	PollInterval time.Duration
}

// Worker consumes one named queue and dispatches jobs by name.
type Worker struct {
	queue    Queue
	name     string
	handlers map[string]Handler
	cfg      WorkerConfig
	logger   *zap.Logger
}

// NewWorker constructs a Worker for the named queue.
func NewWorker(q Queue, name string, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		name:     name,
		handlers: make(map[string]Handler),
		cfg:      cfg,
		logger:   logger.With(zap.String("queue", name)),
	}
}

// Handle registers h for jobs called jobName. Register before Run.
func (w *Worker) Handle(jobName string, h Handler) {
	w.handlers[jobName] = h
}

// Name returns the queue this worker consumes.
func (w *Worker) Name() string {
	return w.name
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Drain everything ready before sleeping.
		for w.processNext(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processNext reserves and runs one job, reporting whether a job was found.
func (w *Worker) processNext(ctx context.Context) bool {
	job, ok, err := w.queue.Reserve(ctx, w.name)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			w.logger.Error("queue reserve failed", zap.Error(err))
		}
		return false
	}
	if !ok {
		return false
	}
	w.logger.Debug("reserved job",
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempts_made", job.AttemptsMade),
	)

	if err := w.invoke(ctx, job); err != nil {
		retrying, failErr := w.queue.Fail(ctx, job, err)
		if failErr != nil {
			w.logger.Error("record job failure", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		status := "failed"
		if retrying {
			status = "retrying"
		}
		metrics.ObserveQueueJob(w.name, status)
		w.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.Int("attempt", job.AttemptsMade+1),
			zap.Int("max_attempts", job.Options.Attempts),
			zap.Bool("retrying", retrying),
			zap.Error(err),
		)
		return true
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		w.logger.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveQueueJob(w.name, "completed")
	return true
}

func (w *Worker) invoke(ctx context.Context, job Job) (err error) {
	h, ok := w.handlers[job.Name]
	if !ok {
		return fmt.Errorf("no handler for job %q", job.Name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// RunAll starts every worker and blocks until the context finishes.
func RunAll(ctx context.Context, workers ...*Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
