package controller

import (
	"errors"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
	"leadflow/worker"
)

type CampaignController struct {
	Campaigns  store.CampaignStoreInterface
	Deliveries store.DeliveryStoreInterface
	Leads      store.LeadStoreInterface
	Lifecycle  *worker.Lifecycle
	Logger     *log.Logger
}

func NewCampaignController(
	campaigns store.CampaignStoreInterface,
	deliveries store.DeliveryStoreInterface,
	leads store.LeadStoreInterface,
	lifecycle *worker.Lifecycle,
) *CampaignController {
	return &CampaignController{
		Campaigns:  campaigns,
		Deliveries: deliveries,
		Leads:      leads,
		Lifecycle:  lifecycle,
		Logger:     log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags),
	}
}

// CreateCampaign creates a draft campaign
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	var input struct {
		Name         string `json:"name" validate:"required,min=1,max=200"`
		CampaignType string `json:"campaign_type" validate:"omitempty,oneof=cold_outreach follow_up reactivation"`
		Description  string `json:"description"`

		EmailEnabled    bool `json:"email_enabled"`
		WhatsAppEnabled bool `json:"whatsapp_enabled"`
		LinkedInEnabled bool `json:"linkedin_enabled"`

		EmailSubject    string `json:"email_subject"`
		EmailBody       string `json:"email_body"`
		WhatsAppMessage string `json:"whatsapp_message"`
		LinkedInMessage string `json:"linkedin_message"`

		SendIntervalSeconds int `json:"send_interval_seconds" validate:"min=0"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.EmailEnabled && input.EmailBody == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "email_body is required when email is enabled", nil)
	}
	if input.WhatsAppEnabled && input.WhatsAppMessage == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "whatsapp_message is required when whatsapp is enabled", nil)
	}
	if input.LinkedInEnabled && input.LinkedInMessage == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "linkedin_message is required when linkedin is enabled", nil)
	}

	campaign := models.Campaign{
		Name:                input.Name,
		CampaignType:        input.CampaignType,
		Description:         input.Description,
		Status:              models.CampaignStatusDraft,
		EmailEnabled:        input.EmailEnabled,
		WhatsAppEnabled:     input.WhatsAppEnabled,
		LinkedInEnabled:     input.LinkedInEnabled,
		EmailSubject:        input.EmailSubject,
		EmailBody:           input.EmailBody,
		WhatsAppMessage:     input.WhatsAppMessage,
		LinkedInMessage:     input.LinkedInMessage,
		SendIntervalSeconds: input.SendIntervalSeconds,
	}

	if err := cc.Campaigns.Create(&campaign); err != nil {
		utils.LogError("campaign_create", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", nil)
	}

	cc.Logger.Printf("Created campaign %d (%s)", campaign.ID, campaign.Name)
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

// GetCampaigns lists campaigns with optional status filter and pagination
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	status := c.Query("status")
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	campaigns, total, err := cc.Campaigns.List(status, (page-1)*limit, limit)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", nil)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  campaigns,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetCampaign returns a single campaign
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// GetCampaignStats returns the stored counters together with a recomputed
// snapshot, so operators can see drift before the reconciler repairs it.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}

	snap, err := cc.Deliveries.SumByCampaign(campaign.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute stats", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"total_leads": campaign.TotalLeads,
		"stored": fiber.Map{
			"sent_count":      campaign.SentCount,
			"delivered_count": campaign.DeliveredCount,
			"read_count":      campaign.ReadCount,
			"replied_count":   campaign.RepliedCount,
			"failed_count":    campaign.FailedCount,
		},
		"recomputed": snap,
	}))
}

// EnrollLeads enrolls a batch of leads on every enabled channel
func (cc *CampaignController) EnrollLeads(c *fiber.Ctx) error {
	campaign, err := cc.loadCampaign(c)
	if campaign == nil {
		return err
	}
	if campaign.IsTerminal() {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign is completed", nil)
	}

	var input struct {
		LeadIDs []uint `json:"lead_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	leads, err := cc.Leads.ByIDs(input.LeadIDs)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load leads", nil)
	}

	created, err := cc.Deliveries.EnrollLeads(campaign, leads)
	if err != nil {
		utils.LogError("campaign_enroll", err, map[string]interface{}{"campaign_id": campaign.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll leads", nil)
	}

	cc.Logger.Printf("Campaign %d: enrolled %d deliveries from %d leads", campaign.ID, created, len(leads))
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"deliveries_created": created,
		"leads_requested":    len(input.LeadIDs),
		"leads_found":        len(leads),
		"total_leads":        campaign.TotalLeads,
	}))
}

// StartCampaign activates a draft campaign
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	return cc.lifecycleCommand(c, cc.Lifecycle.Start, "started")
}

// PauseCampaign pauses an active campaign
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	return cc.lifecycleCommand(c, cc.Lifecycle.Pause, "paused")
}

// ResumeCampaign reactivates a paused campaign
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	return cc.lifecycleCommand(c, cc.Lifecycle.Resume, "resumed")
}

func (cc *CampaignController) lifecycleCommand(c *fiber.Ctx, cmd func(uint) error, verb string) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", nil)
	}

	if err := cmd(id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
		case errors.Is(err, worker.ErrNoChannels),
			errors.Is(err, worker.ErrNoRecipients),
			errors.Is(err, worker.ErrInvalidTransition):
			return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
		default:
			utils.LogError("campaign_lifecycle", err, map[string]interface{}{"campaign_id": id})
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Lifecycle command failed", nil)
		}
	}

	cc.Logger.Printf("Campaign %d %s", id, verb)
	return c.JSON(utils.SuccessResponse(fiber.Map{"campaign_id": id, "status_change": verb}))
}

// GetLeadHistory returns one lead's per-channel delivery rows for a campaign
func (cc *CampaignController) GetLeadHistory(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	leadID := utils.ParseUint(c.Params("leadID"))
	if campaignID == 0 || leadID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid id", nil)
	}

	rows, err := cc.Deliveries.HistoryForLead(campaignID, leadID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load history", nil)
	}
	return c.JSON(utils.SuccessResponse(rows))
}

// loadCampaign resolves the :id param. On failure it writes the error
// response itself and returns a nil campaign; callers bail on nil.
func (cc *CampaignController) loadCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", nil)
	}

	campaign, err := cc.Campaigns.GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
		}
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", nil)
	}
	return campaign, nil
}
