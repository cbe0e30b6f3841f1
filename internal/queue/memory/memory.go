// Package memory is the in-process queue backend, used when no persistent
// broker is configured. Dispatch happens on a deferred goroutine right after
// enqueue; a crash between enqueue and dispatch loses only the in-flight job
// (the durable rows behind it survive for a later reconciliation sweep).
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"smscast/internal/queue"
)

const (
	defaultMaxAttempts = 5
	defaultConcurrency = 8
)

// defaultBackoff doubles from 2s, matching the persisted backend's redrive
// policy closely enough for local use.
func defaultBackoff(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

type Backend struct {
	Registry *queue.Registry

	// Concurrency caps in-flight jobs per queue name.
	Concurrency map[string]int

	// Sleep is swappable for tests.
	Sleep func(time.Duration)

	mu   sync.Mutex
	seen map[string]struct{}
	sems map[string]chan struct{}
	wg   sync.WaitGroup
}

func New(reg *queue.Registry) *Backend {
	return &Backend{
		Registry: reg,
		Sleep:    time.Sleep,
		seen:     make(map[string]struct{}),
		sems:     make(map[string]chan struct{}),
	}
}

func (b *Backend) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (queue.Handle, error) {
	env, err := queue.NewEnvelope(queueName, jobName, payload, opts)
	if err != nil {
		return queue.Handle{}, err
	}

	b.mu.Lock()
	if _, dup := b.seen[env.JobID]; dup {
		b.mu.Unlock()
		return queue.Handle{JobID: env.JobID}, nil
	}
	b.seen[env.JobID] = struct{}{}
	sem := b.semLocked(queueName)
	b.mu.Unlock()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sem <- struct{}{}
		defer func() { <-sem }()
		b.run(env, maxAttempts, opts.Backoff)
	}()

	return queue.Handle{JobID: env.JobID}, nil
}

func (b *Backend) run(env queue.Envelope, maxAttempts int, backoff []time.Duration) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := b.Registry.Dispatch(context.Background(), env, attempt)
		if err == nil {
			return
		}
		slog.Error("memory queue job failed",
			"queue", env.Queue, "job", env.Name, "job_id", env.JobID,
			"attempt", attempt, "err", err,
		)
		if attempt == maxAttempts {
			slog.Error("memory queue job exhausted",
				"queue", env.Queue, "job", env.Name, "job_id", env.JobID)
			return
		}
		if attempt-1 < len(backoff) {
			b.Sleep(backoff[attempt-1])
		} else {
			b.Sleep(defaultBackoff(attempt))
		}
	}
}

func (b *Backend) semLocked(queueName string) chan struct{} {
	sem, ok := b.sems[queueName]
	if !ok {
		n := b.Concurrency[queueName]
		if n <= 0 {
			n = defaultConcurrency
		}
		sem = make(chan struct{}, n)
		b.sems[queueName] = sem
	}
	return sem
}

// Wait blocks until every in-flight job has finished. Used by tests and
// graceful shutdown.
func (b *Backend) Wait() { b.wg.Wait() }
