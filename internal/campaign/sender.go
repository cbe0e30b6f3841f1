// Package campaign drives batch sends: page through the audience snapshot,
// gate on consent, personalize discount codes and hand each recipient to the
// delivery processor at a controlled rate.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"smscast/internal/delivery"
	"smscast/internal/domain"
	"smscast/internal/observability"
	"smscast/internal/store"
	"smscast/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, campaignID string) (store.Campaign, bool, error)
	ListPendingRecipients(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error)
	CountPendingRecipients(ctx context.Context, campaignID string) (int, error)
	MarkRecipient(ctx context.Context, in store.RecipientMark) error
	GetContact(ctx context.Context, contactID string) (store.Contact, bool, error)
}

type Codes interface {
	NextReserved(ctx context.Context, reservationID string) (store.Code, bool, error)
	Assign(ctx context.Context, codeID, recipientID string) error
}

type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// Shortener is an external collaborator; nil means links go out unshortened.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (string, error)
}

type Sender struct {
	Store     Store
	Codes     Codes
	Deliverer Deliverer
	Shortener Shortener

	BatchSize int
	Throttle  time.Duration

	// Sleep is swappable for tests.
	Sleep func(time.Duration)
}

func NewSender(st Store, codes Codes, deliverer Deliverer, batchSize int, throttle time.Duration) *Sender {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sender{
		Store:     st,
		Codes:     codes,
		Deliverer: deliverer,
		BatchSize: batchSize,
		Throttle:  throttle,
		Sleep:     time.Sleep,
	}
}

type Summary struct {
	Sent    int
	Skipped int
	Failed  int
}

// Run sends a campaign to every pending recipient. Sending within a page is
// sequential per recipient to keep ordering and failure attribution simple
// and to avoid bursting the provider from one batch; the inter-page sleep
// caps the outbound rate. A transient delivery failure aborts the run with
// an error so the queue retries it; already-sent recipients are protected by
// the campaignID:contactID idempotency key.
func (s *Sender) Run(ctx context.Context, campaignID string) (Summary, error) {
	camp, found, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Summary{}, fmt.Errorf("load campaign: %w", err)
	}
	if !found {
		return Summary{}, fmt.Errorf("campaign %s not found", campaignID)
	}

	var sum Summary
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		page, err := s.Store.ListPendingRecipients(ctx, campaignID, s.BatchSize)
		if err != nil {
			return sum, fmt.Errorf("list pending recipients: %w", err)
		}
		if len(page) == 0 {
			return sum, nil
		}

		for _, r := range page {
			if err := s.sendOne(ctx, camp, r, &sum); err != nil {
				return sum, err
			}
		}

		slog.Info("campaign page done",
			"campaign_id", campaignID, "page_size", len(page),
			"sent", sum.Sent, "skipped", sum.Skipped, "failed", sum.Failed)

		if s.Throttle > 0 {
			s.Sleep(s.Throttle)
		}
	}
}

func (s *Sender) sendOne(ctx context.Context, camp store.Campaign, r store.Recipient, sum *Summary) error {
	now := util.NowUTC()

	contact, found, err := s.Store.GetContact(ctx, r.ContactID)
	if err != nil {
		return fmt.Errorf("load contact %s: %w", r.ContactID, err)
	}
	if !found || !contact.CanMessage() {
		sum.Skipped++
		observability.RecipientOutcomes.WithLabelValues(string(domain.RecipientSkipped)).Inc()
		return s.Store.MarkRecipient(ctx, store.RecipientMark{
			ID:     r.ID,
			Status: string(domain.RecipientSkipped),
			Reason: domain.SkipReasonNoConsent,
			Now:    now,
		})
	}

	vars := map[string]string{}
	if camp.DiscountID != "" {
		if err := s.personalize(ctx, camp, r, vars); err != nil {
			sum.Failed++
			observability.RecipientOutcomes.WithLabelValues(string(domain.RecipientFailed)).Inc()
			return s.Store.MarkRecipient(ctx, store.RecipientMark{
				ID:     r.ID,
				Status: string(domain.RecipientFailed),
				Reason: err.Error(),
				Now:    now,
			})
		}
	}

	res, err := s.Deliverer.Deliver(ctx, delivery.Request{
		ShopID:         camp.ShopID,
		ContactID:      contact.ID,
		CampaignID:     camp.ID,
		To:             contact.Phone,
		Body:           util.RenderTemplate(camp.Template, vars),
		IdempotencyKey: camp.ID + ":" + contact.ID,
		Meta:           map[string]string{"campaign_id": camp.ID},
	})
	if err != nil {
		// Transient: leave the recipient pending; the retried batch job
		// resumes here without a duplicate send.
		return fmt.Errorf("deliver to contact %s: %w", contact.ID, err)
	}

	if res.Status == domain.StatusFailed {
		sum.Failed++
		observability.RecipientOutcomes.WithLabelValues(string(domain.RecipientFailed)).Inc()
		return s.Store.MarkRecipient(ctx, store.RecipientMark{
			ID:        r.ID,
			Status:    string(domain.RecipientFailed),
			Reason:    res.ErrorMessage,
			MessageID: res.MessageID,
			Now:       util.NowUTC(),
		})
	}

	sum.Sent++
	observability.RecipientOutcomes.WithLabelValues(string(domain.RecipientSent)).Inc()
	return s.Store.MarkRecipient(ctx, store.RecipientMark{
		ID:        r.ID,
		Status:    string(domain.RecipientSent),
		MessageID: res.MessageID,
		Now:       util.NowUTC(),
	})
}

// personalize assigns the next reserved code to the recipient and injects the
// code and its tracked apply URL as render variables.
func (s *Sender) personalize(ctx context.Context, camp store.Campaign, r store.Recipient, vars map[string]string) error {
	code, ok, err := s.Codes.NextReserved(ctx, camp.ReservationID)
	if err != nil {
		return fmt.Errorf("next reserved code: %w", err)
	}
	if !ok {
		return fmt.Errorf("reservation %s has no codes left", camp.ReservationID)
	}
	if err := s.Codes.Assign(ctx, code.ID, r.ID); err != nil {
		return fmt.Errorf("assign code %s: %w", code.ID, err)
	}

	applyURL, err := trackedURL(camp.DiscountURL, camp.UTM)
	if err != nil {
		return err
	}
	if s.Shortener != nil {
		if short, err := s.Shortener.Shorten(ctx, applyURL); err == nil {
			applyURL = short
		} else {
			slog.Warn("shortener failed, sending long url", "err", err)
		}
	}

	vars["discount_code"] = code.Code
	vars["discount_url"] = applyURL
	return nil
}

func trackedURL(base string, utm map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse discount url: %w", err)
	}
	q := u.Query()
	for k, v := range utm {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
