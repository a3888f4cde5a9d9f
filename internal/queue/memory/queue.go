// Package memory provides an in-process job queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/link-tracker/internal/queue"
)

// Queue keeps jobs in memory, ordered by priority then ready time.
type Queue struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     uint64
	waiting map[string][]*entry
	active  map[string]*entry
	failed  map[string][]queue.Job
	closed  bool
}

type entry struct {
	job queue.Job
	seq uint64
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs an empty queue. now may be nil.
func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		now:     now,
		waiting: make(map[string][]*entry),
		active:  make(map[string]*entry),
		failed:  make(map[string][]queue.Job),
	}
}

// Add enqueues a job that is ready immediately.
func (q *Queue) Add(ctx context.Context, name, jobName string, payload any, opts queue.Options) (queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return queue.Job{}, fmt.Errorf("add canceled: %w", err)
	}
	data, err := queue.EncodePayload(payload)
	if err != nil {
		return queue.Job{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Job{}, queue.ErrClosed
	}
	now := q.now()
	job := queue.Job{
		ID:        uuid.NewString(),
		Queue:     name,
		Name:      jobName,
		Payload:   data,
		Options:   queue.NormalizeOptions(opts),
		CreatedAt: now,
		ReadyAt:   now,
	}
	q.seq++
	q.waiting[name] = append(q.waiting[name], &entry{job: job, seq: q.seq})
	return job, nil
}

// Reserve claims the best ready job on the named queue.
func (q *Queue) Reserve(ctx context.Context, name string) (queue.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return queue.Job{}, false, fmt.Errorf("reserve canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Job{}, false, queue.ErrClosed
	}
	entries := q.waiting[name]
	if len(entries) == 0 {
		return queue.Job{}, false, nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.job.Options.Priority != b.job.Options.Priority {
			return a.job.Options.Priority < b.job.Options.Priority
		}
		if !a.job.ReadyAt.Equal(b.job.ReadyAt) {
			return a.job.ReadyAt.Before(b.job.ReadyAt)
		}
		return a.seq < b.seq
	})
	now := q.now()
	for i, e := range entries {
		if e.job.ReadyAt.After(now) {
			continue
		}
		q.waiting[name] = append(entries[:i:i], entries[i+1:]...)
		q.active[e.job.ID] = e
		return e.job, true, nil
	}
	return queue.Job{}, false, nil
}

// Complete drops a reserved job.
func (q *Queue) Complete(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[job.ID]; !ok {
		return fmt.Errorf("job %s is not reserved", job.ID)
	}
	delete(q.active, job.ID)
	return nil
}

// Fail records the attempt and either reschedules the job or moves it to the failed set.
func (q *Queue) Fail(_ context.Context, job queue.Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.active[job.ID]
	if !ok {
		return false, fmt.Errorf("job %s is not reserved", job.ID)
	}
	delete(q.active, job.ID)

	e.job.AttemptsMade++
	if cause != nil {
		e.job.LastError = cause.Error()
	}
	if e.job.AttemptsMade >= e.job.Options.Attempts {
		q.failed[e.job.Queue] = append(q.failed[e.job.Queue], e.job)
		return false, nil
	}
	e.job.ReadyAt = q.now().Add(e.job.Options.Backoff.Next(e.job.AttemptsMade))
	q.waiting[e.job.Queue] = append(q.waiting[e.job.Queue], e)
	return true, nil
}

// Waiting returns the jobs queued on name, ready or delayed.
func (q *Queue) Waiting(name string) []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Job, 0, len(q.waiting[name]))
	for _, e := range q.waiting[name] {
		out = append(out, e.job)
	}
	return out
}

// Failed returns jobs that exhausted their attempts on name.
func (q *Queue) Failed(name string) []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.failed[name]...)
}

// Close rejects further operations.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
