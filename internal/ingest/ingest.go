// Package ingest is the webhook entry point: deduplicate, persist, enqueue.
// Webhook senders retry freely, so a redelivery must look like success while
// producing no second dispatch job.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"smscast/internal/domain"
	"smscast/internal/observability"
	"smscast/internal/queue"
	"smscast/internal/store"
	"smscast/internal/util"
)

type Store interface {
	InsertEvent(ctx context.Context, in store.EventInsert) (duplicate bool, err error)
}

type Ingestor struct {
	Store  Store
	Fabric queue.Fabric

	// IDGen is swappable for tests.
	IDGen func() string
}

func New(st Store, fabric queue.Fabric) *Ingestor {
	return &Ingestor{Store: st, Fabric: fabric, IDGen: util.NewEventID}
}

// DispatchJob is the payload of an event-dispatch job.
type DispatchJob struct {
	EventID string          `json:"eventId"`
	ShopID  string          `json:"shopId"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Ingest persists the event under its dedupe key and enqueues a dispatch job.
// A duplicate delivery returns duplicate=true with no error and no job.
func (i *Ingestor) Ingest(ctx context.Context, shopID, topic string, payload []byte) (eventID string, duplicate bool, err error) {
	objectID := ExtractObjectID(payload)
	dedupeKey := domain.DedupeKey(shopID, topic, objectID)
	eventID = i.IDGen()

	dup, err := i.Store.InsertEvent(ctx, store.EventInsert{
		ID:        eventID,
		ShopID:    shopID,
		Topic:     topic,
		ObjectID:  objectID,
		DedupeKey: dedupeKey,
		Payload:   payload,
		Now:       util.NowUTC(),
	})
	if err != nil {
		observability.EventsIngested.WithLabelValues(topic, "error").Inc()
		return "", false, fmt.Errorf("persist event: %w", err)
	}
	if dup {
		observability.EventsIngested.WithLabelValues(topic, "duplicate").Inc()
		slog.Info("duplicate webhook delivery ignored", "shop_id", shopID, "topic", topic, "dedupe_key", dedupeKey)
		return "", true, nil
	}

	_, err = i.Fabric.Enqueue(ctx, queue.QueueEvents, "dispatch", DispatchJob{
		EventID: eventID,
		ShopID:  shopID,
		Topic:   topic,
		Payload: payload,
	}, queue.Options{JobID: "evt:" + dedupeKey})
	if err != nil {
		// The event row is durable; a reconciliation sweep can pick it up.
		observability.EventsIngested.WithLabelValues(topic, "enqueue_failed").Inc()
		return "", false, fmt.Errorf("enqueue dispatch job: %w", err)
	}

	observability.EventsIngested.WithLabelValues(topic, "accepted").Inc()
	return eventID, false, nil
}

// ExtractObjectID pulls the external object id out of a raw payload: the
// top-level id, falling back to the provider-graph id, falling back to
// "unknown".
func ExtractObjectID(payload []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "unknown"
	}
	if raw, ok := fields["id"]; ok {
		if id := scalarString(raw); id != "" {
			return id
		}
	}
	if raw, ok := fields["admin_graphql_api_id"]; ok {
		if id := scalarString(raw); id != "" {
			return id
		}
	}
	return "unknown"
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
