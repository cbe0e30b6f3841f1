package campaign

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"smscast/internal/delivery"
	"smscast/internal/domain"
	"smscast/internal/store"
)

type fakeCampaignStore struct {
	campaign store.Campaign
	contacts map[string]store.Contact
	pending  []store.Recipient
	marks    []store.RecipientMark
}

func (f *fakeCampaignStore) GetCampaign(ctx context.Context, campaignID string) (store.Campaign, bool, error) {
	if f.campaign.ID != campaignID {
		return store.Campaign{}, false, nil
	}
	return f.campaign, true, nil
}

func (f *fakeCampaignStore) ListPendingRecipients(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error) {
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	return append([]store.Recipient(nil), f.pending[:limit]...), nil
}

func (f *fakeCampaignStore) CountPendingRecipients(ctx context.Context, campaignID string) (int, error) {
	return len(f.pending), nil
}

func (f *fakeCampaignStore) MarkRecipient(ctx context.Context, in store.RecipientMark) error {
	f.marks = append(f.marks, in)
	for i, r := range f.pending {
		if r.ID == in.ID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeCampaignStore) GetContact(ctx context.Context, contactID string) (store.Contact, bool, error) {
	c, ok := f.contacts[contactID]
	return c, ok, nil
}

type fakeCodes struct {
	codes    []store.Code
	assigned map[string]string // codeID -> recipientID
}

func (f *fakeCodes) NextReserved(ctx context.Context, reservationID string) (store.Code, bool, error) {
	if len(f.codes) == 0 {
		return store.Code{}, false, nil
	}
	return f.codes[0], true, nil
}

func (f *fakeCodes) Assign(ctx context.Context, codeID, recipientID string) error {
	if f.assigned == nil {
		f.assigned = make(map[string]string)
	}
	f.assigned[codeID] = recipientID
	f.codes = f.codes[1:]
	return nil
}

type batchDeliverer struct {
	reqs    []delivery.Request
	results map[string]delivery.Result // idempotency key -> result
	errs    map[string]error
}

func (f *batchDeliverer) Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error) {
	f.reqs = append(f.reqs, req)
	if err, ok := f.errs[req.IdempotencyKey]; ok {
		return delivery.Result{}, err
	}
	if res, ok := f.results[req.IdempotencyKey]; ok {
		return res, nil
	}
	return delivery.Result{MessageID: "msg_" + req.ContactID, Status: domain.StatusSent}, nil
}

func optedIn(id, phone string) store.Contact {
	return store.Contact{ID: id, Phone: phone, Consent: domain.ConsentOptedIn}
}

func newTestSender(st Store, codes Codes, del Deliverer) *Sender {
	s := NewSender(st, codes, del, 2, 50*time.Millisecond)
	s.Sleep = func(time.Duration) {}
	return s
}

func TestRunSendsAllPending(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{ID: "camp1", ShopID: "shop1", Template: "Big sale!"},
		contacts: map[string]store.Contact{
			"c1": optedIn("c1", "+15550001"),
			"c2": optedIn("c2", "+15550002"),
			"c3": optedIn("c3", "+15550003"),
		},
		pending: []store.Recipient{
			{ID: "r1", CampaignID: "camp1", ContactID: "c1"},
			{ID: "r2", CampaignID: "camp1", ContactID: "c2"},
			{ID: "r3", CampaignID: "camp1", ContactID: "c3"},
		},
	}
	del := &batchDeliverer{}
	s := newTestSender(st, &fakeCodes{}, del)

	var slept int
	s.Sleep = func(time.Duration) { slept++ }

	sum, err := s.Run(context.Background(), "camp1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Sent != 3 || sum.Skipped != 0 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(del.reqs) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(del.reqs))
	}
	if del.reqs[0].IdempotencyKey != "camp1:c1" {
		t.Fatalf("unexpected idempotency key %q", del.reqs[0].IdempotencyKey)
	}
	if slept == 0 {
		t.Fatalf("expected inter-page throttle sleeps")
	}
}

func TestRunSkipsWithoutConsent(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{ID: "camp1", Template: "hi"},
		contacts: map[string]store.Contact{
			"c1": optedIn("c1", "+15550001"),
			"c2": {ID: "c2", Phone: "+15550002", Consent: domain.ConsentOptedIn, OptedOut: true},
		},
		pending: []store.Recipient{
			{ID: "r1", ContactID: "c1"},
			{ID: "r2", ContactID: "c2"},
			{ID: "r3", ContactID: "gone"},
		},
	}
	del := &batchDeliverer{}
	s := newTestSender(st, &fakeCodes{}, del)

	sum, err := s.Run(context.Background(), "camp1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Sent != 1 || sum.Skipped != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	skipped := 0
	for _, m := range st.marks {
		if m.Status == string(domain.RecipientSkipped) {
			skipped++
			if m.Reason != domain.SkipReasonNoConsent {
				t.Fatalf("skip reason %q", m.Reason)
			}
		}
	}
	if skipped != 2 {
		t.Fatalf("expected 2 skipped marks, got %d", skipped)
	}
	if len(del.reqs) != 1 {
		t.Fatalf("gated recipients must not be delivered, got %d", len(del.reqs))
	}
}

func TestRunPersonalizesDiscount(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{
			ID: "camp1", ShopID: "shop1",
			Template:      "Use {discount_code}: {discount_url}",
			DiscountID:    "disc1",
			DiscountURL:   "https://shop1.example.com/discount/apply",
			PoolID:        "pool1",
			ReservationID: "resv1",
			UTM:           map[string]string{"utm_source": "sms", "utm_campaign": "camp1"},
		},
		contacts: map[string]store.Contact{"c1": optedIn("c1", "+15550001")},
		pending:  []store.Recipient{{ID: "r1", ContactID: "c1"}},
	}
	codes := &fakeCodes{codes: []store.Code{{ID: "code1", Code: "SAVE20", Status: string(domain.CodeReserved)}}}
	del := &batchDeliverer{}
	s := newTestSender(st, codes, del)

	sum, err := s.Run(context.Background(), "camp1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Sent != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if codes.assigned["code1"] != "r1" {
		t.Fatalf("code not assigned to recipient: %+v", codes.assigned)
	}

	body := del.reqs[0].Body
	if !strings.Contains(body, "SAVE20") {
		t.Fatalf("code missing from body: %q", body)
	}
	if !strings.Contains(body, "utm_source=sms") || !strings.Contains(body, "utm_campaign=camp1") {
		t.Fatalf("UTM params missing from url: %q", body)
	}
}

func TestRunExhaustedReservationFailsRecipient(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{
			ID: "camp1", Template: "Use {discount_code}",
			DiscountID: "disc1", DiscountURL: "https://example.com/apply", ReservationID: "resv1",
		},
		contacts: map[string]store.Contact{"c1": optedIn("c1", "+15550001")},
		pending:  []store.Recipient{{ID: "r1", ContactID: "c1"}},
	}
	del := &batchDeliverer{}
	s := newTestSender(st, &fakeCodes{}, del)

	sum, err := s.Run(context.Background(), "camp1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(del.reqs) != 0 {
		t.Fatalf("recipient without a code must not be delivered")
	}
	if len(st.marks) != 1 || st.marks[0].Status != string(domain.RecipientFailed) {
		t.Fatalf("recipient not marked failed: %+v", st.marks)
	}
}

func TestRunTransientDeliveryAbortsForRetry(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{ID: "camp1", Template: "hi"},
		contacts: map[string]store.Contact{
			"c1": optedIn("c1", "+15550001"),
			"c2": optedIn("c2", "+15550002"),
		},
		pending: []store.Recipient{
			{ID: "r1", ContactID: "c1"},
			{ID: "r2", ContactID: "c2"},
		},
	}
	del := &batchDeliverer{errs: map[string]error{
		"camp1:c2": domain.NewProviderError(domain.ClassTransient, "http_503", "", 503, nil),
	}}
	s := newTestSender(st, &fakeCodes{}, del)

	sum, err := s.Run(context.Background(), "camp1")
	if err == nil {
		t.Fatalf("transient failure must abort the run")
	}
	if sum.Sent != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	// The failed recipient stays pending; the retried job picks it back up.
	for _, m := range st.marks {
		if m.ID == "r2" {
			t.Fatalf("recipient r2 must stay pending, got mark %+v", m)
		}
	}
}

func TestRunPermanentFailureMarksRecipientFailed(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{ID: "camp1", Template: "hi"},
		contacts: map[string]store.Contact{"c1": optedIn("c1", "+15550001")},
		pending:  []store.Recipient{{ID: "r1", ContactID: "c1"}},
	}
	del := &batchDeliverer{results: map[string]delivery.Result{
		"camp1:c1": {MessageID: "msg_1", Status: domain.StatusFailed, ErrorCode: "invalid_number", ErrorMessage: "bad destination"},
	}}
	s := newTestSender(st, &fakeCodes{}, del)

	sum, err := s.Run(context.Background(), "camp1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(st.marks) != 1 || st.marks[0].MessageID != "msg_1" || st.marks[0].Reason != "bad destination" {
		t.Fatalf("failure details not recorded: %+v", st.marks)
	}
}

func TestRunUnknownCampaign(t *testing.T) {
	st := &fakeCampaignStore{campaign: store.Campaign{ID: "other"}}
	s := newTestSender(st, &fakeCodes{}, &batchDeliverer{})
	if _, err := s.Run(context.Background(), "camp1"); err == nil {
		t.Fatalf("expected error for unknown campaign")
	}
}

func TestPreviewAudience(t *testing.T) {
	st := &fakeCampaignStore{
		campaign: store.Campaign{ID: "camp1"},
		pending:  []store.Recipient{{ID: "r1"}, {ID: "r2"}},
	}
	s := newTestSender(st, &fakeCodes{}, &batchDeliverer{})

	n, err := s.PreviewAudience(context.Background(), "camp1", time.Second)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
}

type slowCountStore struct {
	*fakeCampaignStore
}

func (s *slowCountStore) CountPendingRecipients(ctx context.Context, campaignID string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(time.Second):
		return 0, nil
	}
}

func TestPreviewAudienceTimeout(t *testing.T) {
	st := &slowCountStore{&fakeCampaignStore{campaign: store.Campaign{ID: "camp1"}}}
	s := newTestSender(st, &fakeCodes{}, &batchDeliverer{})

	_, err := s.PreviewAudience(context.Background(), "camp1", 20*time.Millisecond)
	if !errors.Is(err, domain.ErrPreviewTimeout) {
		t.Fatalf("expected ErrPreviewTimeout, got %v", err)
	}
}
