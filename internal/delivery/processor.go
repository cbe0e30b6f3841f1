// Package delivery orchestrates render-send-persist for one recipient. It is
// the single path shared by automation triggers and campaign batches, and the
// place where the per-recipient idempotency key is enforced.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"smscast/internal/domain"
	"smscast/internal/provider"
	"smscast/internal/store"
	"smscast/internal/util"
)

type Store interface {
	FindMessageByIdempotency(ctx context.Context, shopID, idemKey string) (store.IdempotencyResult, error)
	InsertMessage(ctx context.Context, in store.MessageInsert) error
	MarkMessageSent(ctx context.Context, in store.MessageSent) error
	MarkMessageFailed(ctx context.Context, in store.MessageFailed) error
}

type Sender interface {
	Send(ctx context.Context, req provider.SendRequest) (provider.SendResponse, error)
}

type Processor struct {
	Store        Store
	Sender       Sender
	ProviderName string
	CallbackURL  string

	// IDGen is swappable for tests.
	IDGen func() string
}

func New(st Store, sender Sender, providerName, callbackURL string) *Processor {
	return &Processor{
		Store:        st,
		Sender:       sender,
		ProviderName: providerName,
		CallbackURL:  callbackURL,
		IDGen:        util.NewMessageID,
	}
}

type Request struct {
	ShopID       string
	ContactID    string
	CampaignID   string
	AutomationID string
	To           string
	Body         string

	// IdempotencyKey guards against duplicate sends under job retry
	// (campaigns use campaignID:contactID, triggers use topic:objectID).
	IdempotencyKey string

	Meta map[string]string
}

type Result struct {
	MessageID    string
	Status       domain.MessageStatus
	ErrorCode    string
	ErrorMessage string
}

// Deliver creates the Message row, drives the provider call and records the
// outcome. A transient failure that exhausted local retries returns an error
// with the message left queued, so the outer queue retry re-runs it; a
// permanent failure is terminal and returns no error.
func (p *Processor) Deliver(ctx context.Context, req Request) (Result, error) {
	now := util.NowUTC()

	var msgID string
	if req.IdempotencyKey != "" {
		prev, err := p.Store.FindMessageByIdempotency(ctx, req.ShopID, req.IdempotencyKey)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prev.Found {
			// A retried job resumes its own still-queued message; anything
			// past queued already had its effective send.
			if prev.Status != string(domain.StatusQueued) {
				return Result{MessageID: prev.MessageID, Status: domain.MessageStatus(prev.Status)}, nil
			}
			msgID = prev.MessageID
		}
	}

	if msgID == "" {
		msgID = p.IDGen()
		err := p.Store.InsertMessage(ctx, store.MessageInsert{
			ID:           msgID,
			ShopID:       req.ShopID,
			ContactID:    req.ContactID,
			CampaignID:   req.CampaignID,
			AutomationID: req.AutomationID,
			ToPhone:      req.To,
			Body:         req.Body,
			Provider:     p.ProviderName,
			IdemKey:      req.IdempotencyKey,
			Meta:         req.Meta,
			Status:       string(domain.StatusQueued),
			Now:          now,
		})
		if err != nil {
			return Result{}, fmt.Errorf("insert message: %w", err)
		}
	}

	resp, sendErr := p.Sender.Send(ctx, provider.SendRequest{
		To:          req.To,
		Text:        req.Body,
		Meta:        req.Meta,
		CallbackURL: p.CallbackURL,
	})
	if sendErr == nil {
		if err := p.Store.MarkMessageSent(ctx, store.MessageSent{
			ID:            msgID,
			ProviderMsgID: resp.ProviderMsgID(),
			Now:           util.NowUTC(),
		}); err != nil {
			return Result{}, fmt.Errorf("mark message sent: %w", err)
		}
		return Result{MessageID: msgID, Status: domain.StatusSent}, nil
	}

	var perr *domain.ProviderError
	if errors.As(sendErr, &perr) && !perr.Transient() {
		if err := p.Store.MarkMessageFailed(ctx, store.MessageFailed{
			ID:           msgID,
			ErrorCode:    perr.Code,
			ErrorMessage: perr.Message,
			Now:          util.NowUTC(),
		}); err != nil {
			return Result{}, fmt.Errorf("mark message failed: %w", err)
		}
		slog.Warn("message permanently failed",
			"message_id", msgID, "error_code", perr.Code, "http_status", perr.HTTPStatus)
		return Result{
			MessageID:    msgID,
			Status:       domain.StatusFailed,
			ErrorCode:    perr.Code,
			ErrorMessage: perr.Message,
		}, nil
	}

	// Transient (including exhausted local retries): leave the row queued
	// for the queue-level retry, distinct from the client's inner retries.
	return Result{MessageID: msgID, Status: domain.StatusQueued}, sendErr
}
