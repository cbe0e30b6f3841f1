package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"smscast/internal/domain"
	"smscast/internal/queue"
	"smscast/internal/store"
)

type CampaignStore interface {
	GetCampaign(ctx context.Context, campaignID string) (store.Campaign, bool, error)
	SetCampaignReservation(ctx context.Context, campaignID, reservationID string, now time.Time) error
	CountPendingRecipients(ctx context.Context, campaignID string) (int, error)
	GetMessage(ctx context.Context, msgID string) (store.Message, bool, error)
}

type Reserver interface {
	Reserve(ctx context.Context, poolID, campaignID string, quantity int) (domain.Reservation, error)
}

type Previewer interface {
	PreviewAudience(ctx context.Context, campaignID string, timeout time.Duration) (int, error)
}

// Admin serves the campaign and message endpoints.
type Admin struct {
	Store          CampaignStore
	Codes          Reserver
	Preview        Previewer
	Fabric         queue.Fabric
	PreviewTimeout time.Duration
}

func (h *Admin) Register(r *mux.Router) {
	r.HandleFunc("/v1/campaigns/{id}/send", h.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/preview", h.handlePreview).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}", h.handleGetMessage).Methods(http.MethodGet)
}

// handleSend prepares a campaign and enqueues the batch job. When the
// campaign carries a discount pool, codes for the whole pending audience are
// reserved up front so the batch can never oversell mid-flight.
func (h *Admin) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	camp, found, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	if camp.PoolID != "" && camp.ReservationID == "" {
		pending, err := h.Store.CountPendingRecipients(ctx, camp.ID)
		if err != nil {
			http.Error(w, ErrDependency, http.StatusInternalServerError)
			return
		}
		if pending > 0 {
			res, err := h.Codes.Reserve(ctx, camp.PoolID, camp.ID, pending)
			if err != nil {
				var exhausted *domain.PoolExhaustedError
				if errors.As(err, &exhausted) {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusConflict)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"error":     "pool_exhausted",
						"needed":    exhausted.Needed,
						"available": exhausted.Available,
					})
					return
				}
				slog.Error("code reservation failed", "campaign_id", camp.ID, "pool_id", camp.PoolID, "err", err)
				http.Error(w, ErrDependency, http.StatusInternalServerError)
				return
			}
			if err := h.Store.SetCampaignReservation(ctx, camp.ID, res.ID, time.Now().UTC()); err != nil {
				http.Error(w, ErrDependency, http.StatusInternalServerError)
				return
			}
			camp.ReservationID = res.ID
		}
	}

	_, err = h.Fabric.Enqueue(ctx, queue.QueueCampaigns, "send", map[string]string{"campaignId": camp.ID}, queue.Options{
		JobID: "campaign:" + camp.ID,
	})
	if err != nil {
		slog.Error("campaign enqueue failed", "campaign_id", camp.ID, "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"campaign_id":    camp.ID,
		"reservation_id": camp.ReservationID,
		"status":         "enqueued",
	})
}

func (h *Admin) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	count, err := h.Preview.PreviewAudience(r.Context(), id, h.PreviewTimeout)
	if err != nil {
		if errors.Is(err, domain.ErrPreviewTimeout) {
			http.Error(w, "audience preview timed out", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"campaign_id": id,
		"audience":    count,
	})
}

func (h *Admin) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	msg, found, err := h.Store.GetMessage(r.Context(), id)
	if err != nil {
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}
