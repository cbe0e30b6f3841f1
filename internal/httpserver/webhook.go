package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"smscast/internal/queue"
	"smscast/internal/reconcile"
)

// ShopHeader carries the shop identifier on commerce webhooks.
const ShopHeader = "X-Shop-Domain"

type Ingestor interface {
	Ingest(ctx context.Context, shopID, topic string, payload []byte) (eventID string, duplicate bool, err error)
}

type InboundHandler interface {
	HandleInbound(ctx context.Context, in reconcile.Inbound) (reply string, err error)
}

// Webhooks exposes the three inbound surfaces: commerce events, delivery
// receipts and handset replies. Signature verification is an injected
// collaborator; a nil Verify rejects everything.
type Webhooks struct {
	Ingestor Ingestor
	Fabric   queue.Fabric
	Inbound  InboundHandler

	Verify func(r *http.Request, body []byte) bool
}

func (h *Webhooks) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/{source}/{topic:.+}", h.handleEvent).Methods(http.MethodPost)
	r.HandleFunc("/v1/webhooks/provider/dlr", h.handleDLR).Methods(http.MethodPost)
	r.HandleFunc("/v1/webhooks/provider/inbound", h.handleInbound).Methods(http.MethodPost)
}

func (h *Webhooks) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if h.Verify == nil || !h.Verify(r, body) {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}
	shopID := r.Header.Get(ShopHeader)
	if shopID == "" {
		http.Error(w, ErrMissingShop, http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	topic := vars["topic"]

	_, _, err = h.Ingestor.Ingest(r.Context(), shopID, topic, body)
	if err != nil {
		// 5xx makes the webhook sender retry at the transport level.
		slog.Error("webhook ingestion failed", "shop_id", shopID, "topic", topic, "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	// Accepted and duplicate look the same to the sender.
	w.WriteHeader(http.StatusOK)
}

func (h *Webhooks) handleDLR(w http.ResponseWriter, r *http.Request) {
	var rec reconcile.Receipt
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if rec.ProviderMsgID == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}

	// Receipts are reconciled asynchronously; the provider only needs an ack.
	_, err := h.Fabric.Enqueue(r.Context(), queue.QueueReceipts, "reconcile", rec, queue.Options{
		JobID: "dlr:" + rec.ProviderMsgID + ":" + rec.Status,
	})
	if err != nil {
		slog.Error("receipt enqueue failed", "provider_msg_id", rec.ProviderMsgID, "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Webhooks) handleInbound(w http.ResponseWriter, r *http.Request) {
	var in reconcile.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	reply, err := h.Inbound.HandleInbound(r.Context(), in)
	if err != nil {
		slog.Error("inbound handling failed", "from", in.From, "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"reply": reply})
}
