package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smscast/internal/queue"
	"smscast/internal/reconcile"
)

type fakeIngestor struct {
	shopID string
	topic  string
	body   []byte
	err    error
}

func (f *fakeIngestor) Ingest(ctx context.Context, shopID, topic string, payload []byte) (string, bool, error) {
	f.shopID, f.topic, f.body = shopID, topic, payload
	return "evt_1", false, f.err
}

type fakeFabric struct {
	enqueued []queue.Envelope
	err      error
}

func (f *fakeFabric) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (queue.Handle, error) {
	if f.err != nil {
		return queue.Handle{}, f.err
	}
	env, err := queue.NewEnvelope(queueName, jobName, payload, opts)
	if err != nil {
		return queue.Handle{}, err
	}
	f.enqueued = append(f.enqueued, env)
	return queue.Handle{JobID: env.JobID}, nil
}

type fakeInbound struct {
	got   reconcile.Inbound
	reply string
}

func (f *fakeInbound) HandleInbound(ctx context.Context, in reconcile.Inbound) (string, error) {
	f.got = in
	return f.reply, nil
}

func allowAll(r *http.Request, body []byte) bool { return true }
func denyAll(r *http.Request, body []byte) bool  { return false }

func newWebhookRouter(h *Webhooks) *httptest.Server {
	r := NewRouter()
	h.Register(r)
	return httptest.NewServer(r)
}

func TestWebhookEventAccepted(t *testing.T) {
	ing := &fakeIngestor{}
	h := &Webhooks{Ingestor: ing, Fabric: &fakeFabric{}, Verify: allowAll}
	srv := newWebhookRouter(h)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/webhooks/shopify/orders/create", strings.NewReader(`{"id": 42}`))
	req.Header.Set(ShopHeader, "shop1.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ing.shopID != "shop1.example.com" {
		t.Fatalf("shop header not threaded through, got %q", ing.shopID)
	}
	if ing.topic != "orders/create" {
		t.Fatalf("multi-segment topic mangled, got %q", ing.topic)
	}
}

func TestWebhookEventBadSignature(t *testing.T) {
	ing := &fakeIngestor{}
	h := &Webhooks{Ingestor: ing, Verify: denyAll}
	srv := newWebhookRouter(h)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/webhooks/shopify/orders/create", strings.NewReader(`{}`))
	req.Header.Set(ShopHeader, "shop1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if ing.shopID != "" {
		t.Fatalf("rejected webhook must not reach the ingestor")
	}
}

func TestWebhookEventMissingShop(t *testing.T) {
	h := &Webhooks{Ingestor: &fakeIngestor{}, Verify: allowAll}
	srv := newWebhookRouter(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/shopify/orders/create", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDLREnqueuesReceiptJob(t *testing.T) {
	fab := &fakeFabric{}
	h := &Webhooks{Fabric: fab, Verify: allowAll}
	srv := newWebhookRouter(h)
	defer srv.Close()

	body := `{"message_id": "prov_1", "status": "delivered"}`
	resp, err := http.Post(srv.URL+"/v1/webhooks/provider/dlr", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(fab.enqueued) != 1 {
		t.Fatalf("expected one receipt job, got %d", len(fab.enqueued))
	}
	env := fab.enqueued[0]
	if env.Queue != queue.QueueReceipts || env.Name != "reconcile" {
		t.Fatalf("job routed wrong: %s/%s", env.Queue, env.Name)
	}
	if env.JobID != "dlr:prov_1:delivered" {
		t.Fatalf("unexpected job id %q", env.JobID)
	}
}

func TestDLRMissingMessageID(t *testing.T) {
	h := &Webhooks{Fabric: &fakeFabric{}}
	srv := newWebhookRouter(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/webhooks/provider/dlr", "application/json", strings.NewReader(`{"status": "delivered"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestInboundRepliesInline(t *testing.T) {
	in := &fakeInbound{reply: "You have been unsubscribed."}
	h := &Webhooks{Inbound: in}
	srv := newWebhookRouter(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/webhooks/provider/inbound", "application/json",
		strings.NewReader(`{"from": "+15550001", "text": "STOP"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["reply"] != "You have been unsubscribed." {
		t.Fatalf("unexpected reply %q", out["reply"])
	}
	if in.got.From != "+15550001" || in.got.Text != "STOP" {
		t.Fatalf("inbound not threaded through: %+v", in.got)
	}
}
