// Package dispatch routes persisted events to trigger handlers by topic. The
// topic registry is validated at construction so a misconfigured topic fails
// at startup, not silently at runtime.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"smscast/internal/domain"
	"smscast/internal/ingest"
	"smscast/internal/observability"
	"smscast/internal/queue"
	"smscast/internal/util"
)

// TriggerEvent is what a trigger handler receives.
type TriggerEvent struct {
	EventID string
	ShopID  string
	Topic   string
	Payload []byte
}

type TriggerHandler interface {
	Handle(ctx context.Context, ev TriggerEvent) error
}

type TriggerFunc func(ctx context.Context, ev TriggerEvent) error

func (f TriggerFunc) Handle(ctx context.Context, ev TriggerEvent) error { return f(ctx, ev) }

type Store interface {
	MarkEventProcessed(ctx context.Context, eventID string, now time.Time) error
	MarkEventError(ctx context.Context, eventID, errMsg string, now time.Time) error
}

type Dispatcher struct {
	store    Store
	handlers map[string]TriggerHandler
}

// New builds a dispatcher. Every topic in accepted must have a handler;
// anything else is a wiring bug surfaced before the process starts serving.
func New(st Store, handlers map[string]TriggerHandler, accepted []string) (*Dispatcher, error) {
	for _, topic := range accepted {
		if h, ok := handlers[topic]; !ok || h == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTopic, topic)
		}
	}
	return &Dispatcher{store: st, handlers: handlers}, nil
}

// HandleJob consumes one event-dispatch job off the queue.
func (d *Dispatcher) HandleJob(ctx context.Context, job queue.Job) error {
	var ev ingest.DispatchJob
	if err := job.Decode(&ev); err != nil {
		// Undecodable payloads will never succeed; mark and swallow.
		slog.Error("undecodable dispatch job", "job_id", job.ID, "err", err)
		observability.JobsProcessed.WithLabelValues(queue.QueueEvents, "poison").Inc()
		return nil
	}

	h, ok := d.handlers[ev.Topic]
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrUnknownTopic, ev.Topic)
		_ = d.store.MarkEventError(ctx, ev.EventID, err.Error(), util.NowUTC())
		observability.JobsProcessed.WithLabelValues(queue.QueueEvents, "unknown_topic").Inc()
		return err
	}

	if err := h.Handle(ctx, ev2trigger(ev)); err != nil {
		_ = d.store.MarkEventError(ctx, ev.EventID, err.Error(), util.NowUTC())
		observability.JobsProcessed.WithLabelValues(queue.QueueEvents, "error").Inc()
		return err
	}

	if err := d.store.MarkEventProcessed(ctx, ev.EventID, util.NowUTC()); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	observability.JobsProcessed.WithLabelValues(queue.QueueEvents, "ok").Inc()
	return nil
}

func ev2trigger(ev ingest.DispatchJob) TriggerEvent {
	return TriggerEvent{
		EventID: ev.EventID,
		ShopID:  ev.ShopID,
		Topic:   ev.Topic,
		Payload: ev.Payload,
	}
}
