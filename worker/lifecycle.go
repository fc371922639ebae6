package worker

import (
	"errors"
	"time"

	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
)

var (
	// ErrNoChannels rejects starting a campaign with every channel disabled
	ErrNoChannels = errors.New("campaign has no enabled channels")
	// ErrNoRecipients rejects starting a campaign with nothing enrolled
	ErrNoRecipients = errors.New("campaign has no enrolled deliveries")
	// ErrInvalidTransition is returned when the campaign is not in a state
	// the requested command applies to
	ErrInvalidTransition = errors.New("campaign is not in a valid state for this transition")
)

// Lifecycle owns the campaign state machine commands. Every command is a
// conditional update, so two operators racing the same button cannot
// double-apply it.
type Lifecycle struct {
	campaigns  store.CampaignStoreInterface
	deliveries store.DeliveryStoreInterface
}

func NewLifecycle(campaigns store.CampaignStoreInterface, deliveries store.DeliveryStoreInterface) *Lifecycle {
	return &Lifecycle{campaigns: campaigns, deliveries: deliveries}
}

// Start moves a draft campaign to active. It refuses campaigns that could
// never make progress: no enabled channels or no enrolled rows.
func (l *Lifecycle) Start(campaignID uint) error {
	campaign, err := l.campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if len(campaign.EnabledChannels()) == 0 {
		return ErrNoChannels
	}

	pending, err := l.deliveries.PendingCount(campaignID)
	if err != nil {
		return err
	}
	if pending == 0 {
		return ErrNoRecipients
	}

	ok, err := l.campaigns.UpdateStatusIf(campaignID,
		[]string{models.CampaignStatusDraft},
		models.CampaignStatusActive,
		map[string]interface{}{"started_at": time.Now()})
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	utils.LogEvent("campaign_started", map[string]interface{}{"campaign_id": campaignID})
	return nil
}

// Pause stops an active campaign from claiming new rows. In-flight sends
// finish; queued rows stay queued with their retry state intact.
func (l *Lifecycle) Pause(campaignID uint) error {
	ok, err := l.campaigns.UpdateStatusIf(campaignID,
		[]string{models.CampaignStatusActive},
		models.CampaignStatusPaused, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	utils.LogEvent("campaign_paused", map[string]interface{}{"campaign_id": campaignID})
	return nil
}

// Resume puts a paused campaign back to active. Dispatch picks up exactly
// where it left off.
func (l *Lifecycle) Resume(campaignID uint) error {
	ok, err := l.campaigns.UpdateStatusIf(campaignID,
		[]string{models.CampaignStatusPaused},
		models.CampaignStatusActive, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	utils.LogEvent("campaign_resumed", map[string]interface{}{"campaign_id": campaignID})
	return nil
}
