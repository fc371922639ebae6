package controller

import (
	"log"
	"strconv"
	"time"

	"github.com/gofiber/websocket/v2"

	"leadflow/models"
	"leadflow/store"
)

// ProgressStreamer pushes live campaign counters over a websocket.
type ProgressStreamer struct {
	Campaigns  store.CampaignStoreInterface
	Deliveries store.DeliveryStoreInterface
	Interval   time.Duration
}

func NewProgressStreamer(campaigns store.CampaignStoreInterface, deliveries store.DeliveryStoreInterface) *ProgressStreamer {
	return &ProgressStreamer{
		Campaigns:  campaigns,
		Deliveries: deliveries,
		Interval:   2 * time.Second,
	}
}

type progressFrame struct {
	CampaignID uint                   `json:"campaign_id"`
	Status     string                 `json:"status"`
	TotalRows  int                    `json:"total_rows"`
	Percent    int                    `json:"percent"`
	Counters   *store.CounterSnapshot `json:"counters"`
}

// HandleCampaignProgressWS streams counter snapshots for one campaign until
// the campaign completes or the client disconnects.
func (ps *ProgressStreamer) HandleCampaignProgressWS(c *websocket.Conn) {
	defer c.Close()

	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		c.WriteJSON(map[string]string{"error": "invalid campaign id"})
		return
	}
	campaignID := uint(id)

	for {
		campaign, err := ps.Campaigns.GetByID(campaignID)
		if err != nil {
			c.WriteJSON(map[string]string{"error": "campaign not found"})
			return
		}

		snap, err := ps.Deliveries.SumByCampaign(campaign.ID)
		if err != nil {
			log.Printf("WS: error computing snapshot: %v", err)
			return
		}

		frame := progressFrame{
			CampaignID: campaign.ID,
			Status:     campaign.Status,
			TotalRows:  snap.TotalRows,
			Counters:   snap,
		}
		if snap.TotalRows > 0 {
			settled := snap.ByStatus[models.DeliveryStatusReplied] + snap.ByStatus[models.DeliveryStatusFailed] +
				snap.ByStatus[models.DeliveryStatusSent] + snap.ByStatus[models.DeliveryStatusDelivered] +
				snap.ByStatus[models.DeliveryStatusRead]
			frame.Percent = settled * 100 / snap.TotalRows
		}

		if err := c.WriteJSON(frame); err != nil {
			return
		}
		if campaign.IsTerminal() {
			return
		}

		time.Sleep(ps.Interval)
	}
}
