package delivery

import (
	"context"
	"errors"
	"testing"

	"smscast/internal/domain"
	"smscast/internal/provider"
	"smscast/internal/store"
)

type fakeMessageStore struct {
	byIdem   map[string]store.IdempotencyResult
	inserted []store.MessageInsert
	sent     []store.MessageSent
	failed   []store.MessageFailed
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byIdem: make(map[string]store.IdempotencyResult)}
}

func (f *fakeMessageStore) FindMessageByIdempotency(ctx context.Context, shopID, idemKey string) (store.IdempotencyResult, error) {
	res, ok := f.byIdem[shopID+"/"+idemKey]
	if !ok {
		return store.IdempotencyResult{}, nil
	}
	return res, nil
}

func (f *fakeMessageStore) InsertMessage(ctx context.Context, in store.MessageInsert) error {
	f.inserted = append(f.inserted, in)
	return nil
}

func (f *fakeMessageStore) MarkMessageSent(ctx context.Context, in store.MessageSent) error {
	f.sent = append(f.sent, in)
	return nil
}

func (f *fakeMessageStore) MarkMessageFailed(ctx context.Context, in store.MessageFailed) error {
	f.failed = append(f.failed, in)
	return nil
}

type fakeSender struct {
	reqs []provider.SendRequest
	resp provider.SendResponse
	err  error
}

func (f *fakeSender) Send(ctx context.Context, req provider.SendRequest) (provider.SendResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func newProcessor(st Store, sender Sender) *Processor {
	p := New(st, sender, "smsgate", "https://api.example.com/v1/webhooks/provider/dlr")
	p.IDGen = func() string { return "msg_test" }
	return p
}

func TestDeliverHappyPath(t *testing.T) {
	st := newFakeMessageStore()
	sender := &fakeSender{resp: provider.SendResponse{ID: "prov_1", Status: "queued"}}
	p := newProcessor(st, sender)

	res, err := p.Deliver(context.Background(), Request{
		ShopID: "shop1", ContactID: "c1", CampaignID: "camp1",
		To: "+15550001", Body: "hello", IdempotencyKey: "camp1:c1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != domain.StatusSent || res.MessageID != "msg_test" {
		t.Fatalf("unexpected result %+v", res)
	}

	if len(st.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(st.inserted))
	}
	if st.inserted[0].Status != string(domain.StatusQueued) {
		t.Fatalf("message must be inserted queued, got %q", st.inserted[0].Status)
	}
	if len(st.sent) != 1 || st.sent[0].ProviderMsgID != "prov_1" {
		t.Fatalf("provider msg id not recorded: %+v", st.sent)
	}
	if len(sender.reqs) != 1 || sender.reqs[0].CallbackURL == "" {
		t.Fatalf("send request missing callback url: %+v", sender.reqs)
	}
}

func TestDeliverIdempotentAfterEffectiveSend(t *testing.T) {
	st := newFakeMessageStore()
	st.byIdem["shop1/camp1:c1"] = store.IdempotencyResult{
		MessageID: "msg_old", Status: string(domain.StatusSent), Found: true,
	}
	sender := &fakeSender{}
	p := newProcessor(st, sender)

	res, err := p.Deliver(context.Background(), Request{
		ShopID: "shop1", To: "+15550001", Body: "hello", IdempotencyKey: "camp1:c1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.MessageID != "msg_old" || res.Status != domain.StatusSent {
		t.Fatalf("expected prior message returned, got %+v", res)
	}
	if len(sender.reqs) != 0 {
		t.Fatalf("idempotent replay must not hit the provider")
	}
	if len(st.inserted) != 0 {
		t.Fatalf("idempotent replay must not insert a second row")
	}
}

func TestDeliverResumesQueuedMessage(t *testing.T) {
	st := newFakeMessageStore()
	st.byIdem["shop1/camp1:c1"] = store.IdempotencyResult{
		MessageID: "msg_old", Status: string(domain.StatusQueued), Found: true,
	}
	sender := &fakeSender{resp: provider.SendResponse{ID: "prov_2"}}
	p := newProcessor(st, sender)

	res, err := p.Deliver(context.Background(), Request{
		ShopID: "shop1", To: "+15550001", Body: "hello", IdempotencyKey: "camp1:c1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.MessageID != "msg_old" {
		t.Fatalf("retry must reuse the queued message id, got %q", res.MessageID)
	}
	if len(st.inserted) != 0 {
		t.Fatalf("retry must not insert a second row")
	}
	if len(sender.reqs) != 1 {
		t.Fatalf("queued message must be re-sent")
	}
}

func TestDeliverPermanentFailure(t *testing.T) {
	st := newFakeMessageStore()
	sender := &fakeSender{err: domain.NewProviderError(domain.ClassPermanent, "invalid_number", "bad destination", 400, nil)}
	p := newProcessor(st, sender)

	res, err := p.Deliver(context.Background(), Request{
		ShopID: "shop1", To: "bogus", Body: "hello", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("permanent failure is terminal, not an error: %v", err)
	}
	if res.Status != domain.StatusFailed || res.ErrorCode != "invalid_number" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(st.failed) != 1 || st.failed[0].ErrorCode != "invalid_number" {
		t.Fatalf("failure not recorded: %+v", st.failed)
	}
}

func TestDeliverTransientFailureLeavesQueued(t *testing.T) {
	st := newFakeMessageStore()
	sender := &fakeSender{err: domain.NewProviderError(domain.ClassTransient, "http_503", "", 503, nil)}
	p := newProcessor(st, sender)

	res, err := p.Deliver(context.Background(), Request{
		ShopID: "shop1", To: "+15550001", Body: "hello", IdempotencyKey: "k1",
	})
	if err == nil {
		t.Fatalf("transient failure must return an error for the outer retry")
	}
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || !perr.Transient() {
		t.Fatalf("expected transient ProviderError, got %v", err)
	}
	if res.Status != domain.StatusQueued {
		t.Fatalf("message must stay queued, got %v", res.Status)
	}
	if len(st.failed) != 0 {
		t.Fatalf("transient failure must not mark the message failed")
	}
}
