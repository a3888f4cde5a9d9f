// Package redis provides a Redis-backed job queue shared by every replica.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/link-tracker/internal/queue"
)

// priorityStride separates priority bands in the waiting set score.
const priorityStride = 1e13

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Queue stores jobs in Redis.
//
// Keys per queue:
//
//	{prefix}:{queue}:job:{id}  hash holding the encoded job and its state
//	{prefix}:{queue}:waiting   sorted set of ready jobs, scored by priority then ready time
//	{prefix}:{queue}:delayed   sorted set of backing-off jobs, scored by ready time
//	{prefix}:{queue}:failed    list of ids that exhausted their attempts
type Queue struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
	owned  bool
}

var _ queue.Queue = (*Queue)(nil)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Open connects using cfg and returns a queue that owns the client.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	q := New(client, cfg.Prefix, nil)
	q.owned = true
	return q, nil
}

// New wraps an existing client. now may be nil.
func New(client *goredis.Client, prefix string, now func() time.Time) *Queue {
	if prefix == "" {
		prefix = "linktracker"
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{client: client, prefix: prefix, now: now}
}

func (q *Queue) jobKey(name, id string) string {
	return fmt.Sprintf("%s:%s:job:%s", q.prefix, name, id)
}

func (q *Queue) waitingKey(name string) string {
	return fmt.Sprintf("%s:%s:waiting", q.prefix, name)
}

func (q *Queue) delayedKey(name string) string {
	return fmt.Sprintf("%s:%s:delayed", q.prefix, name)
}

func (q *Queue) failedKey(name string) string {
	return fmt.Sprintf("%s:%s:failed", q.prefix, name)
}

func waitingScore(job queue.Job) float64 {
	return float64(job.Options.Priority)*priorityStride + float64(job.ReadyAt.UnixMilli())
}

// Add stores the job and marks it ready.
func (q *Queue) Add(ctx context.Context, name, jobName string, payload any, opts queue.Options) (queue.Job, error) {
	data, err := queue.EncodePayload(payload)
	if err != nil {
		return queue.Job{}, err
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
	encoded, err := json.Marshal(job)
	if err != nil {
		return queue.Job{}, fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(name, job.ID), "data", encoded, "state", "waiting")
		pipe.ZAdd(ctx, q.waitingKey(name), goredis.Z{Score: waitingScore(job), Member: job.ID})
		return nil
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("add job to %s: %w", name, err)
	}
	return job, nil
}

// promote moves delayed jobs whose backoff has elapsed into the waiting set.
func (q *Queue) promote(ctx context.Context, name string) error {
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(name), &goredis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(name), id).Result()
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := q.load(ctx, name, id)
		if err != nil {
			return err
		}
		if err := q.client.ZAdd(ctx, q.waitingKey(name), goredis.Z{Score: waitingScore(job), Member: id}).Err(); err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

// Reserve claims the lowest-scored waiting job. ZREM is the claim: a replica
// that loses the race moves on to the next candidate.
func (q *Queue) Reserve(ctx context.Context, name string) (queue.Job, bool, error) {
	if err := q.promote(ctx, name); err != nil {
		return queue.Job{}, false, err
	}
	for {
		ids, err := q.client.ZRange(ctx, q.waitingKey(name), 0, 0).Result()
		if err != nil {
			return queue.Job{}, false, fmt.Errorf("peek waiting jobs: %w", err)
		}
		if len(ids) == 0 {
			return queue.Job{}, false, nil
		}
		removed, err := q.client.ZRem(ctx, q.waitingKey(name), ids[0]).Result()
		if err != nil {
			return queue.Job{}, false, fmt.Errorf("claim job %s: %w", ids[0], err)
		}
		if removed == 0 {
			continue
		}
		job, err := q.load(ctx, name, ids[0])
		if err != nil {
			return queue.Job{}, false, err
		}
		if err := q.client.HSet(ctx, q.jobKey(name, job.ID), "state", "active").Err(); err != nil {
			return queue.Job{}, false, fmt.Errorf("mark job %s active: %w", job.ID, err)
		}
		return job, true, nil
	}
}

func (q *Queue) load(ctx context.Context, name, id string) (queue.Job, error) {
	raw, err := q.client.HGet(ctx, q.jobKey(name, id), "data").Result()
	if err != nil {
		return queue.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return queue.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Complete deletes the job.
func (q *Queue) Complete(ctx context.Context, job queue.Job) error {
	if err := q.client.Del(ctx, q.jobKey(job.Queue, job.ID)).Err(); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

// Fail records the attempt and reschedules or parks the job.
func (q *Queue) Fail(ctx context.Context, job queue.Job, cause error) (bool, error) {
	job.AttemptsMade++
	if cause != nil {
		job.LastError = cause.Error()
	}
	retrying := job.AttemptsMade < job.Options.Attempts
	if retrying {
		job.ReadyAt = q.now().Add(job.Options.Backoff.Next(job.AttemptsMade))
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		key := q.jobKey(job.Queue, job.ID)
		if retrying {
			pipe.HSet(ctx, key, "data", encoded, "state", "delayed")
			pipe.ZAdd(ctx, q.delayedKey(job.Queue), goredis.Z{
				Score:  float64(job.ReadyAt.UnixMilli()),
				Member: job.ID,
			})
			return nil
		}
		pipe.HSet(ctx, key, "data", encoded, "state", "failed")
		pipe.RPush(ctx, q.failedKey(job.Queue), job.ID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return retrying, nil
}

// Failed returns the jobs on name that exhausted their attempts.
func (q *Queue) Failed(ctx context.Context, name string) ([]queue.Job, error) {
	ids, err := q.client.LRange(ctx, q.failedKey(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	jobs := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, name, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ping checks the connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client when the queue opened it.
func (q *Queue) Close() error {
	if !q.owned {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
