package worker

import (
	"context"
	"log/slog"
	"time"

	"smscast/internal/allocator"
	"smscast/internal/campaign"
	"smscast/internal/dispatch"
	"smscast/internal/queue"
	"smscast/internal/reconcile"
	"smscast/internal/store"
)

type CampaignStore interface {
	GetCampaign(ctx context.Context, campaignID string) (store.Campaign, bool, error)
}

// Deps collects everything the background jobs need. RegisterJobs binds the
// job names both queue backends route on.
type Deps struct {
	Store      CampaignStore
	Dispatcher *dispatch.Dispatcher
	Campaigns  *campaign.Sender
	Receipts   *reconcile.Service
	Allocator  *allocator.Service
}

func RegisterJobs(reg *queue.Registry, d Deps) {
	reg.Register(queue.QueueEvents, "dispatch", d.Dispatcher.HandleJob)
	reg.Register(queue.QueueCampaigns, "send", d.handleCampaignSend)
	reg.Register(queue.QueueReceipts, "reconcile", d.handleReceipt)
}

type campaignJob struct {
	CampaignID string `json:"campaignId"`
}

func (d Deps) handleCampaignSend(ctx context.Context, job queue.Job) error {
	var cj campaignJob
	if err := job.Decode(&cj); err != nil {
		slog.Error("undecodable campaign job", "job_id", job.ID, "err", err)
		return nil
	}

	summary, err := d.Campaigns.Run(ctx, cj.CampaignID)
	if err != nil {
		// Leave the job in the queue; the batch resumes from the
		// remaining pending recipients on the next attempt.
		return err
	}

	slog.Info("campaign batch complete",
		"campaign_id", cj.CampaignID,
		"sent", summary.Sent, "skipped", summary.Skipped, "failed", summary.Failed)

	d.releaseReservation(ctx, cj.CampaignID)
	return nil
}

// releaseReservation returns unassigned codes to the pool once the batch has
// drained. Best effort: the periodic sweep reclaims anything missed here once
// the reservation expires.
func (d Deps) releaseReservation(ctx context.Context, campaignID string) {
	camp, found, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil || !found || camp.ReservationID == "" {
		return
	}
	released, err := d.Allocator.Release(ctx, camp.ReservationID)
	if err != nil {
		slog.Warn("reservation release failed", "campaign_id", campaignID,
			"reservation_id", camp.ReservationID, "err", err)
		return
	}
	if released > 0 {
		slog.Info("released unused codes", "campaign_id", campaignID,
			"reservation_id", camp.ReservationID, "count", released)
	}
}

func (d Deps) handleReceipt(ctx context.Context, job queue.Job) error {
	var rec reconcile.Receipt
	if err := job.Decode(&rec); err != nil {
		slog.Error("undecodable receipt job", "job_id", job.ID, "err", err)
		return nil
	}
	_, err := d.Receipts.HandleReceipt(ctx, rec)
	return err
}

// RunSweeper expires stale reservations on a fixed interval until ctx is
// cancelled.
func RunSweeper(ctx context.Context, alloc *allocator.Service, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := alloc.SweepExpired(ctx)
			if err != nil {
				slog.Error("reservation sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("reservation sweep", "expired", n)
			}
		}
	}
}
