package worker

import (
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"leadflow/config"
	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
)

// Reconciler is the periodic safety net. Each sweep it requeues rows stuck
// in sending past the claim timeout, repairs any counter drift on open
// campaigns and closes out campaigns that finished between dispatch polls.
type Reconciler struct {
	deliveries store.DeliveryStoreInterface
	campaigns  store.CampaignStoreInterface
	cfg        config.DispatchConfig
	logger     *log.Logger
	cron       *cron.Cron
}

func NewReconciler(deliveries store.DeliveryStoreInterface, campaigns store.CampaignStoreInterface, cfg config.DispatchConfig) *Reconciler {
	return &Reconciler{
		deliveries: deliveries,
		campaigns:  campaigns,
		cfg:        cfg,
		logger:     log.New(os.Stdout, "RECONCILE: ", log.LstdFlags),
	}
}

// Start schedules the sweep on the given cron spec and runs one sweep
// immediately so a restart never waits a full period to unstick rows.
func (r *Reconciler) Start(spec string) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(spec, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Printf("🚀 Reconciler scheduled (%s)", spec)

	go r.Sweep()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep runs one reconciliation pass over all open campaigns.
func (r *Reconciler) Sweep() {
	requeued, err := r.deliveries.RequeueStuck(0, r.cfg.ClaimTimeout)
	if err != nil {
		utils.LogError("reconcile_requeue", err, nil)
	} else if requeued > 0 {
		r.logger.Printf("⚠️ Requeued %d stuck deliveries", requeued)
		utils.LogEvent("deliveries_requeued", map[string]interface{}{"count": requeued})
	}

	open, err := r.campaigns.ListByStatus(models.CampaignStatusActive, models.CampaignStatusPaused)
	if err != nil {
		utils.LogError("reconcile_list", err, nil)
		return
	}

	for _, campaign := range open {
		r.reconcileCampaign(&campaign)
	}
}

func (r *Reconciler) reconcileCampaign(campaign *models.Campaign) {
	snap, err := r.deliveries.SumByCampaign(campaign.ID)
	if err != nil {
		utils.LogError("reconcile_sum", err, map[string]interface{}{"campaign_id": campaign.ID})
		return
	}

	if counterDrift(campaign, snap) {
		utils.LogEvent("counter_drift_repaired", map[string]interface{}{
			"campaign_id":    campaign.ID,
			"stored_sent":    campaign.SentCount,
			"recomputed":     snap.SentCount,
			"stored_failed":  campaign.FailedCount,
			"recomputed_fld": snap.FailedCount,
		})
		if _, err := r.deliveries.Recompute(campaign.ID); err != nil {
			utils.LogError("reconcile_recompute", err, map[string]interface{}{"campaign_id": campaign.ID})
			return
		}
	}

	r.maybeComplete(campaign.ID, snap)
}

// maybeComplete closes out campaigns whose last receipt window elapsed
// while the dispatcher was not looking at them (paused campaigns included).
func (r *Reconciler) maybeComplete(campaignID uint, snap *store.CounterSnapshot) {
	pending := snap.ByStatus[models.DeliveryStatusQueued] + snap.ByStatus[models.DeliveryStatusSending]
	if pending > 0 || snap.TotalRows == 0 {
		return
	}

	awaiting, err := r.deliveries.AwaitingReceiptCount(campaignID, time.Now().Add(-r.cfg.GracePeriod))
	if err != nil || awaiting > 0 {
		return
	}

	ok, err := r.campaigns.UpdateStatusIf(campaignID,
		[]string{models.CampaignStatusActive, models.CampaignStatusPaused},
		models.CampaignStatusCompleted,
		map[string]interface{}{"completed_at": time.Now()})
	if err != nil {
		utils.LogError("reconcile_complete", err, map[string]interface{}{"campaign_id": campaignID})
		return
	}
	if ok {
		utils.LogEvent("campaign_completed", map[string]interface{}{"campaign_id": campaignID})
	}
}

func counterDrift(campaign *models.Campaign, snap *store.CounterSnapshot) bool {
	return campaign.SentCount != snap.SentCount ||
		campaign.DeliveredCount != snap.DeliveredCount ||
		campaign.ReadCount != snap.ReadCount ||
		campaign.RepliedCount != snap.RepliedCount ||
		campaign.FailedCount != snap.FailedCount
}

// CampaignReconciliation is one campaign's stored-vs-recomputed audit row,
// exposed on the admin surface.
type CampaignReconciliation struct {
	CampaignID uint                   `json:"campaign_id"`
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	Drift      bool                   `json:"drift"`
	Stored     map[string]int         `json:"stored"`
	Recomputed *store.CounterSnapshot `json:"recomputed"`
}

// Report audits every open campaign without modifying anything.
func (r *Reconciler) Report() ([]CampaignReconciliation, error) {
	open, err := r.campaigns.ListByStatus(
		models.CampaignStatusActive, models.CampaignStatusPaused)
	if err != nil {
		return nil, err
	}

	report := make([]CampaignReconciliation, 0, len(open))
	for _, campaign := range open {
		snap, err := r.deliveries.SumByCampaign(campaign.ID)
		if err != nil {
			return nil, err
		}
		report = append(report, CampaignReconciliation{
			CampaignID: campaign.ID,
			Name:       campaign.Name,
			Status:     campaign.Status,
			Drift:      counterDrift(&campaign, snap),
			Stored: map[string]int{
				"sent_count":      campaign.SentCount,
				"delivered_count": campaign.DeliveredCount,
				"read_count":      campaign.ReadCount,
				"replied_count":   campaign.RepliedCount,
				"failed_count":    campaign.FailedCount,
			},
			Recomputed: snap,
		})
	}
	return report, nil
}
