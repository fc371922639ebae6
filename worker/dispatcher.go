// Package worker runs the background half of the engine: the per-campaign
// dispatch loops, the stuck-row reconciler and the IMAP reply poller.
package worker

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadflow/channel"
	"leadflow/config"
	"leadflow/models"
	"leadflow/ratelimit"
	"leadflow/store"
	"leadflow/utils"
)

// Dispatcher drives active campaigns: it claims due delivery rows, paces
// them through the per-campaign limiter, hands them to the channel senders
// and records the outcome. All state lives in the store; the dispatcher can
// be killed and restarted at any point without losing or double-sending
// work (a crash mid-send leaves a sending row for the reconciler).
type Dispatcher struct {
	deliveries store.DeliveryStoreInterface
	campaigns  store.CampaignStoreInterface
	leads      store.LeadStoreInterface
	senders    channel.Registry
	limiter    *ratelimit.CampaignLimiter
	cfg        config.DispatchConfig
	logger     *log.Logger

	mu      sync.Mutex
	running map[uint]bool
	wg      sync.WaitGroup
}

func NewDispatcher(
	deliveries store.DeliveryStoreInterface,
	campaigns store.CampaignStoreInterface,
	leads store.LeadStoreInterface,
	senders channel.Registry,
	cfg config.DispatchConfig,
) *Dispatcher {
	return &Dispatcher{
		deliveries: deliveries,
		campaigns:  campaigns,
		leads:      leads,
		senders:    senders,
		limiter:    ratelimit.NewCampaignLimiter(),
		cfg:        cfg,
		logger:     log.New(os.Stdout, "DISPATCH: ", log.LstdFlags),
		running:    map[uint]bool{},
	}
}

// Run polls for active campaigns and keeps one dispatch loop per campaign
// alive until ctx is cancelled. Blocks until every loop has drained.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Println("🚀 Starting campaign dispatcher")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.spawnLoops(ctx)

		select {
		case <-ctx.Done():
			d.logger.Println("Dispatcher shutting down, waiting for in-flight sends...")
			d.wg.Wait()
			d.logger.Println("✅ Dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) spawnLoops(ctx context.Context) {
	active, err := d.campaigns.ListByStatus(models.CampaignStatusActive)
	if err != nil {
		utils.LogError("dispatcher_list_active", err, nil)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range active {
		if d.running[c.ID] {
			continue
		}
		d.running[c.ID] = true
		d.wg.Add(1)
		go func(id uint) {
			defer d.wg.Done()
			defer func() {
				d.mu.Lock()
				delete(d.running, id)
				d.mu.Unlock()
			}()
			d.runCampaign(ctx, id)
		}(c.ID)
	}
}

// runCampaign is one campaign's dispatch loop. It exits when the campaign
// leaves the active state or ctx is cancelled; a paused campaign keeps its
// queued rows untouched for resume.
func (d *Dispatcher) runCampaign(ctx context.Context, campaignID uint) {
	d.logger.Printf("Campaign %d: dispatch loop started", campaignID)

	for {
		if ctx.Err() != nil {
			return
		}

		campaign, err := d.campaigns.GetByID(campaignID)
		if err != nil {
			utils.LogError("dispatcher_load_campaign", err, map[string]interface{}{"campaign_id": campaignID})
			return
		}
		if campaign.Status != models.CampaignStatusActive {
			d.logger.Printf("Campaign %d: no longer active (%s), loop exiting", campaignID, campaign.Status)
			return
		}

		claimed, err := d.deliveries.ClaimDue(campaignID, d.cfg.BatchSize)
		if err != nil {
			utils.LogError("dispatcher_claim", err, map[string]interface{}{"campaign_id": campaignID})
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}

		if len(claimed) == 0 {
			d.maybeComplete(campaignID)
			if !sleepCtx(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}

		for i := range claimed {
			// Pause and shutdown stop between records. The claimed but
			// unsent remainder goes back through the reconciler sweep.
			if ctx.Err() != nil {
				return
			}
			if err := d.limiter.Acquire(ctx, campaignID, campaign.SendInterval()); err != nil {
				return
			}
			d.dispatchOne(campaign, &claimed[i])
		}
	}
}

// dispatchOne sends a single claimed row and records the outcome.
func (d *Dispatcher) dispatchOne(campaign *models.Campaign, row *models.ChannelDelivery) {
	lead, err := d.leads.ByID(row.LeadID)
	if err != nil {
		d.fail(row, "lead not found")
		return
	}

	messageID := uuid.NewString()
	msg, err := channel.Render(campaign, lead, row.Channel, messageID)
	if err != nil {
		d.fail(row, err.Error())
		return
	}

	sender, err := d.senders.ForChannel(row.Channel)
	if err != nil {
		d.fail(row, err.Error())
		return
	}

	// The send runs against its own deadline, detached from the loop
	// context, so a pause or shutdown never aborts a message that may
	// already be on the wire.
	sendCtx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	externalID, err := sender.Send(sendCtx, msg)
	if err != nil {
		d.handleSendError(row, err)
		return
	}

	if terr := d.deliveries.Transition(row.ID, models.DeliveryStatusSent, store.TransitionOptions{
		ExternalMessageID: externalID,
	}); terr != nil {
		utils.LogError("dispatcher_record_sent", terr, map[string]interface{}{
			"delivery_id": row.ID,
			"external_id": externalID,
		})
		return
	}

	utils.LogEvent("message_sent", map[string]interface{}{
		"campaign_id": row.CampaignID,
		"lead_id":     row.LeadID,
		"channel":     row.Channel,
		"external_id": externalID,
	})
}

// handleSendError applies the retry policy: permanent errors fail the row,
// transient errors requeue it with exponential backoff until the retry
// budget runs out.
func (d *Dispatcher) handleSendError(row *models.ChannelDelivery, sendErr error) {
	if channel.IsPermanent(sendErr) {
		d.fail(row, sendErr.Error())
		return
	}

	retry := row.RetryCount + 1
	if retry > d.cfg.MaxRetries {
		d.fail(row, sendErr.Error())
		return
	}

	next := time.Now().Add(utils.Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, retry))
	err := d.deliveries.Transition(row.ID, models.DeliveryStatusQueued, store.TransitionOptions{
		RetryCount:    &retry,
		NextAttemptAt: &next,
		LastError:     sendErr.Error(),
	})
	if err != nil {
		utils.LogError("dispatcher_requeue", err, map[string]interface{}{"delivery_id": row.ID})
		return
	}

	d.logger.Printf("Campaign %d: delivery %d retry %d/%d at %s (%v)",
		row.CampaignID, row.ID, retry, d.cfg.MaxRetries, next.Format(time.RFC3339), sendErr)
}

func (d *Dispatcher) fail(row *models.ChannelDelivery, reason string) {
	err := d.deliveries.Transition(row.ID, models.DeliveryStatusFailed, store.TransitionOptions{
		LastError: reason,
	})
	if err != nil {
		utils.LogError("dispatcher_record_failed", err, map[string]interface{}{"delivery_id": row.ID})
		return
	}
	utils.LogEvent("message_failed", map[string]interface{}{
		"campaign_id": row.CampaignID,
		"lead_id":     row.LeadID,
		"channel":     row.Channel,
		"reason":      reason,
	})
}

// maybeComplete closes out a campaign with no work left: nothing pending and
// nothing still inside the receipt grace window.
func (d *Dispatcher) maybeComplete(campaignID uint) {
	pending, err := d.deliveries.PendingCount(campaignID)
	if err != nil || pending > 0 {
		return
	}
	awaiting, err := d.deliveries.AwaitingReceiptCount(campaignID, time.Now().Add(-d.cfg.GracePeriod))
	if err != nil || awaiting > 0 {
		return
	}

	ok, err := d.campaigns.UpdateStatusIf(campaignID,
		[]string{models.CampaignStatusActive, models.CampaignStatusPaused},
		models.CampaignStatusCompleted,
		map[string]interface{}{"completed_at": time.Now()})
	if err != nil {
		utils.LogError("dispatcher_complete", err, map[string]interface{}{"campaign_id": campaignID})
		return
	}
	if ok {
		d.limiter.Forget(campaignID)
		utils.LogEvent("campaign_completed", map[string]interface{}{"campaign_id": campaignID})
	}
}

// sleepCtx sleeps for d or until ctx is done. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
