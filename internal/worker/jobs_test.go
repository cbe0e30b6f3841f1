package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"smscast/internal/allocator"
	"smscast/internal/campaign"
	"smscast/internal/delivery"
	"smscast/internal/domain"
	"smscast/internal/queue"
	"smscast/internal/reconcile"
	"smscast/internal/store"
)

// wiredWorld assembles the job dependencies on in-memory state so the glue
// can be driven end to end.
type wiredWorld struct {
	campaign store.Campaign
	contacts map[string]store.Contact
	pending  []store.Recipient

	marks    []store.RecipientMark
	released []string
	applied  []store.ReceiptUpdate
}

func (w *wiredWorld) GetCampaign(ctx context.Context, campaignID string) (store.Campaign, bool, error) {
	if w.campaign.ID != campaignID {
		return store.Campaign{}, false, nil
	}
	return w.campaign, true, nil
}

func (w *wiredWorld) ListPendingRecipients(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error) {
	if limit > len(w.pending) {
		limit = len(w.pending)
	}
	return append([]store.Recipient(nil), w.pending[:limit]...), nil
}

func (w *wiredWorld) CountPendingRecipients(ctx context.Context, campaignID string) (int, error) {
	return len(w.pending), nil
}

func (w *wiredWorld) MarkRecipient(ctx context.Context, in store.RecipientMark) error {
	w.marks = append(w.marks, in)
	for i, r := range w.pending {
		if r.ID == in.ID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (w *wiredWorld) GetContact(ctx context.Context, contactID string) (store.Contact, bool, error) {
	c, ok := w.contacts[contactID]
	return c, ok, nil
}

// allocator store

func (w *wiredWorld) ReserveCodes(ctx context.Context, in store.ReserveRequest) (store.ReserveResult, error) {
	return store.ReserveResult{ReservationID: in.ReservationID}, nil
}

func (w *wiredWorld) ReleaseReservation(ctx context.Context, reservationID, terminalStatus string, now time.Time) (int, error) {
	w.released = append(w.released, reservationID)
	return 1, nil
}

func (w *wiredWorld) AssignCode(ctx context.Context, codeID, recipientID string, now time.Time) error {
	return nil
}

func (w *wiredWorld) NextReservedCode(ctx context.Context, reservationID string) (store.Code, bool, error) {
	return store.Code{ID: "code1", Code: "SAVE10", Status: string(domain.CodeReserved)}, true, nil
}

func (w *wiredWorld) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

// reconcile store

func (w *wiredWorld) ApplyReceipt(ctx context.Context, in store.ReceiptUpdate) (store.ReceiptOutcome, error) {
	w.applied = append(w.applied, in)
	return store.ReceiptApplied, nil
}

func (w *wiredWorld) OptOutContactsByPhone(ctx context.Context, phone, source string, now time.Time) (int, error) {
	return 0, nil
}

func (w *wiredWorld) InsertInboundMessage(ctx context.Context, in store.InboundInsert) error {
	return nil
}

type stubDeliverer struct{}

func (stubDeliverer) Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error) {
	return delivery.Result{MessageID: "msg_" + req.ContactID, Status: domain.StatusSent}, nil
}

func newDeps(w *wiredWorld) Deps {
	sender := campaign.NewSender(w, allocator.New(w, time.Hour), stubDeliverer{}, 100, 0)
	sender.Sleep = func(time.Duration) {}
	return Deps{
		Store:     w,
		Campaigns: sender,
		Receipts:  reconcile.New(w, "help"),
		Allocator: allocator.New(w, time.Hour),
	}
}

func campaignSendJob(t *testing.T, campaignID string) queue.Job {
	t.Helper()
	b, err := json.Marshal(map[string]string{"campaignId": campaignID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return queue.Job{Queue: queue.QueueCampaigns, Name: "send", ID: "campaign:" + campaignID, Payload: b, Attempt: 1}
}

func TestCampaignJobSendsAndReleases(t *testing.T) {
	w := &wiredWorld{
		campaign: store.Campaign{ID: "camp1", ShopID: "shop1", Template: "hi", ReservationID: "resv1"},
		contacts: map[string]store.Contact{"c1": {ID: "c1", Phone: "+15550001", Consent: domain.ConsentOptedIn}},
		pending:  []store.Recipient{{ID: "r1", CampaignID: "camp1", ContactID: "c1"}},
	}
	d := newDeps(w)

	if err := d.handleCampaignSend(context.Background(), campaignSendJob(t, "camp1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(w.marks) != 1 || w.marks[0].Status != string(domain.RecipientSent) {
		t.Fatalf("recipient not marked sent: %+v", w.marks)
	}
	if len(w.released) != 1 || w.released[0] != "resv1" {
		t.Fatalf("reservation not released after drain: %v", w.released)
	}
}

func TestCampaignJobWithoutReservationSkipsRelease(t *testing.T) {
	w := &wiredWorld{
		campaign: store.Campaign{ID: "camp1", Template: "hi"},
	}
	d := newDeps(w)

	if err := d.handleCampaignSend(context.Background(), campaignSendJob(t, "camp1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(w.released) != 0 {
		t.Fatalf("nothing to release, got %v", w.released)
	}
}

func TestCampaignJobPoisonSwallowed(t *testing.T) {
	d := newDeps(&wiredWorld{})
	job := queue.Job{Queue: queue.QueueCampaigns, Name: "send", ID: "j1", Payload: []byte("nope")}
	if err := d.handleCampaignSend(context.Background(), job); err != nil {
		t.Fatalf("poison job should not error, got %v", err)
	}
}

func TestReceiptJobApplies(t *testing.T) {
	w := &wiredWorld{}
	d := newDeps(w)

	b, _ := json.Marshal(reconcile.Receipt{ProviderMsgID: "prov_1", Status: "delivered"})
	job := queue.Job{Queue: queue.QueueReceipts, Name: "reconcile", ID: "dlr:prov_1:delivered", Payload: b}
	if err := d.handleReceipt(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(w.applied) != 1 || w.applied[0].ProviderMsgID != "prov_1" {
		t.Fatalf("receipt not applied: %+v", w.applied)
	}
}
