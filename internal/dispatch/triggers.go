package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"smscast/internal/delivery"
	"smscast/internal/domain"
	"smscast/internal/ingest"
	"smscast/internal/store"
	"smscast/internal/util"
)

// Built-in automation topics.
const (
	TopicOrderCreated      = "orders/create"
	TopicCheckoutAbandoned = "checkouts/abandoned"
)

type ContactStore interface {
	GetContact(ctx context.Context, contactID string) (store.Contact, bool, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// triggerPayload is the slice of a commerce payload the built-in automations
// care about.
type triggerPayload struct {
	ID          json.Number `json:"id"`
	ContactID   string      `json:"contact_id"`
	FirstName   string      `json:"first_name"`
	OrderName   string      `json:"order_name"`
	TotalPrice  string      `json:"total_price"`
	CheckoutURL string      `json:"checkout_url"`
}

// AutomationTrigger turns one commerce event into at most one consent-gated
// delivery. The idempotency key topic:objectID makes job redelivery safe.
type AutomationTrigger struct {
	Contacts     ContactStore
	Deliverer    Deliverer
	AutomationID string
	Template     string
}

func (t *AutomationTrigger) Handle(ctx context.Context, ev TriggerEvent) error {
	var p triggerPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Topic, err)
	}
	if p.ContactID == "" {
		slog.Info("event without contact, skipping", "topic", ev.Topic, "event_id", ev.EventID)
		return nil
	}

	contact, found, err := t.Contacts.GetContact(ctx, p.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if !found || !contact.CanMessage() {
		slog.Info("automation gated by consent",
			"topic", ev.Topic, "event_id", ev.EventID, "contact_id", p.ContactID)
		return nil
	}

	objectID := ingest.ExtractObjectID(ev.Payload)
	body := util.RenderTemplate(t.Template, map[string]string{
		"first_name":   p.FirstName,
		"order_name":   p.OrderName,
		"total_price":  p.TotalPrice,
		"checkout_url": p.CheckoutURL,
	})

	res, err := t.Deliverer.Deliver(ctx, delivery.Request{
		ShopID:         ev.ShopID,
		ContactID:      contact.ID,
		AutomationID:   t.AutomationID,
		To:             contact.Phone,
		Body:           body,
		IdempotencyKey: ev.Topic + ":" + objectID,
		Meta:           map[string]string{"topic": ev.Topic, "event_id": ev.EventID},
	})
	if err != nil {
		// Transient send failures propagate so the queue redelivers the job.
		return err
	}
	if res.Status == domain.StatusFailed {
		slog.Warn("automation message failed",
			"topic", ev.Topic, "message_id", res.MessageID, "error_code", res.ErrorCode)
	}
	return nil
}

// DefaultHandlers wires the two built-in automations.
func DefaultHandlers(contacts ContactStore, deliverer Deliverer) map[string]TriggerHandler {
	return map[string]TriggerHandler{
		TopicOrderCreated: &AutomationTrigger{
			Contacts:     contacts,
			Deliverer:    deliverer,
			AutomationID: "order_confirmation",
			Template:     "Hi {first_name}, thanks for your order {order_name}! Total: {total_price}.",
		},
		TopicCheckoutAbandoned: &AutomationTrigger{
			Contacts:     contacts,
			Deliverer:    deliverer,
			AutomationID: "abandoned_checkout",
			Template:     "Hi {first_name}, you left something behind. Finish checking out: {checkout_url}",
		},
	}
}
