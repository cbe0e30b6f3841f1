// Package queue is the job fabric: one enqueue contract with two
// interchangeable backends, an in-process dispatcher and an SQS-backed one.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Queue names used across the pipeline.
const (
	QueueEvents    = "events"
	QueueCampaigns = "campaigns"
	QueueReceipts  = "receipts"
)

// Options tunes a single enqueue. A non-empty JobID makes duplicate enqueues
// with the same id collapse into one job on either backend.
type Options struct {
	JobID       string
	MaxAttempts int
	Backoff     []time.Duration
}

type Handle struct {
	JobID string
}

// Job is what a handler receives. Attempt starts at 1.
type Job struct {
	Queue   string
	Name    string
	ID      string
	Payload json.RawMessage
	Attempt int
}

func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

type Handler func(ctx context.Context, job Job) error

// Fabric is the producer-side contract shared by both backends.
type Fabric interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts Options) (Handle, error)
}

// Envelope is the wire shape a job travels in. Keep it small; SQS has a
// 256KB message size limit.
type Envelope struct {
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	JobID      string          `json:"jobId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func NewEnvelope(queueName, jobName string, payload any, opts Options) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal job payload: %w", err)
	}
	id := opts.JobID
	if id == "" {
		id = "job_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	return Envelope{
		Queue:      queueName,
		Name:       jobName,
		JobID:      id,
		Payload:    b,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Registry maps (queue, job name) to a handler. Both backends route through
// it, so behavior cannot drift between them.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(queueName, jobName string, h Handler) {
	r.handlers[queueName+"/"+jobName] = h
}

func (r *Registry) Resolve(queueName, jobName string) (Handler, bool) {
	h, ok := r.handlers[queueName+"/"+jobName]
	return h, ok
}

// Dispatch routes an envelope to its handler. An envelope with no handler is
// a wiring bug, not a retryable condition.
func (r *Registry) Dispatch(ctx context.Context, env Envelope, attempt int) error {
	h, ok := r.Resolve(env.Queue, env.Name)
	if !ok {
		return fmt.Errorf("no handler for %s/%s", env.Queue, env.Name)
	}
	return h(ctx, Job{
		Queue:   env.Queue,
		Name:    env.Name,
		ID:      env.JobID,
		Payload: env.Payload,
		Attempt: attempt,
	})
}
