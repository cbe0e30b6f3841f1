// Package reconcile closes the message lifecycle: delivery receipts flip
// messages to their terminal status, inbound replies update consent.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smscast/internal/observability"
	"smscast/internal/store"
	"smscast/internal/util"
)

// Receipt handling outcomes, reported to the caller and the metrics.
const (
	OutcomeApplied           = "applied"
	OutcomeMessageNotFound   = "message_not_found"
	OutcomeInvalidTransition = "invalid_status_transition"
	OutcomeIgnored           = "ignored"
)

// ConsentSourceInbound tags opt-outs that came from an inbound STOP, as
// opposed to the dashboard or an import.
const ConsentSourceInbound = "sms_inbound"

type Store interface {
	ApplyReceipt(ctx context.Context, in store.ReceiptUpdate) (store.ReceiptOutcome, error)
	OptOutContactsByPhone(ctx context.Context, phone, source string, now time.Time) (int, error)
	InsertInboundMessage(ctx context.Context, in store.InboundInsert) error
}

type Service struct {
	Store     Store
	HelpReply string
}

func New(st Store, helpReply string) *Service {
	return &Service{Store: st, HelpReply: helpReply}
}

type Receipt struct {
	ProviderMsgID string `json:"message_id"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// HandleReceipt applies one delivery receipt. Terminal messages are never
// reopened: a stale or duplicate receipt reports invalid_status_transition
// and leaves the row unchanged.
func (s *Service) HandleReceipt(ctx context.Context, r Receipt) (string, error) {
	status := normalizeReceiptStatus(r.Status)
	if status == "" {
		observability.Receipts.WithLabelValues(OutcomeIgnored).Inc()
		return OutcomeIgnored, nil
	}

	outcome, err := s.Store.ApplyReceipt(ctx, store.ReceiptUpdate{
		ProviderMsgID: r.ProviderMsgID,
		Status:        status,
		ErrorCode:     r.ErrorCode,
		ErrorMessage:  r.ErrorMessage,
		Now:           util.NowUTC(),
	})
	if err != nil {
		return "", fmt.Errorf("apply receipt: %w", err)
	}

	switch outcome {
	case store.ReceiptNotFound:
		slog.Warn("receipt for unknown message", "provider_msg_id", r.ProviderMsgID, "status", r.Status)
		observability.Receipts.WithLabelValues(OutcomeMessageNotFound).Inc()
		return OutcomeMessageNotFound, nil
	case store.ReceiptStale:
		slog.Warn("receipt rejected, message already terminal",
			"provider_msg_id", r.ProviderMsgID, "status", r.Status)
		observability.Receipts.WithLabelValues(OutcomeInvalidTransition).Inc()
		return OutcomeInvalidTransition, nil
	default:
		observability.Receipts.WithLabelValues(OutcomeApplied).Inc()
		return OutcomeApplied, nil
	}
}

// normalizeReceiptStatus maps provider statuses onto the message lifecycle.
// Unknown statuses are ignored rather than guessed at.
func normalizeReceiptStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered":
		return "delivered"
	case "failed", "undelivered", "rejected":
		return "failed"
	case "sent":
		return "sent"
	default:
		return ""
	}
}

type Inbound struct {
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleInbound processes a reply from a handset. STOP opts out every
// contact sharing the phone number, across shops: the number replied, not
// one shop's contact row. HELP returns the static help reply. Anything else
// is recorded with no state change.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (reply string, err error) {
	now := util.NowUTC()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	keyword := strings.ToUpper(strings.TrimSpace(in.Text))
	phone := util.NormalizePhone(in.From)

	switch keyword {
	case "STOP":
		n, err := s.Store.OptOutContactsByPhone(ctx, phone, ConsentSourceInbound, now)
		if err != nil {
			return "", fmt.Errorf("opt out %s: %w", phone, err)
		}
		if err := s.recordInbound(ctx, phone, in, "stop"); err != nil {
			return "", err
		}
		slog.Info("inbound STOP processed", "phone", phone, "contacts_opted_out", n)
		observability.InboundReplies.WithLabelValues("stop").Inc()
		return "You have been unsubscribed and will receive no further messages.", nil

	case "HELP":
		if err := s.recordInbound(ctx, phone, in, "help"); err != nil {
			return "", err
		}
		observability.InboundReplies.WithLabelValues("help").Inc()
		return s.HelpReply, nil

	default:
		if err := s.recordInbound(ctx, phone, in, "message"); err != nil {
			return "", err
		}
		observability.InboundReplies.WithLabelValues("message").Inc()
		return "", nil
	}
}

func (s *Service) recordInbound(ctx context.Context, phone string, in Inbound, kind string) error {
	if err := s.Store.InsertInboundMessage(ctx, store.InboundInsert{
		FromPhone:  phone,
		Body:       in.Text,
		Kind:       kind,
		ReceivedAt: in.Timestamp,
	}); err != nil {
		return fmt.Errorf("record inbound: %w", err)
	}
	return nil
}
