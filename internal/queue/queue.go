// Package queue defines the durable job queue used to trigger batches and
// retry individual links. Backends live in subpackages.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// BackoffType selects how retry delays grow.
type BackoffType string

// Backoff strategies.
const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the delay between attempts.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Options control how a job is scheduled and retried.
type Options struct {
	// Priority orders ready jobs; lower values run first.
	Priority int     `json:"priority"`
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Options      Options         `json:"options"`
	AttemptsMade int             `json:"attempts_made"`
	CreatedAt    time.Time       `json:"created_at"`
	ReadyAt      time.Time       `json:"ready_at"`
	LastError    string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// Queue is implemented by every backend.
type Queue interface {
	// Add enqueues a job and returns it with its assigned id.
	Add(ctx context.Context, queue, name string, payload any, opts Options) (Job, error)
	// Reserve claims the next ready job. ok is false when nothing is ready.
	Reserve(ctx context.Context, queue string) (job Job, ok bool, err error)
	// Complete removes a finished job.
	Complete(ctx context.Context, job Job) error
	// Fail records a failed attempt and reschedules the job while attempts remain.
	Fail(ctx context.Context, job Job, cause error) (retrying bool, err error)
	Close() error
}

// EncodePayload marshals payload for storage, passing raw JSON through.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// NormalizeOptions fills in defaults for zero-valued options.
func NormalizeOptions(opts Options) Options {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffFixed
	}
	return opts
}
