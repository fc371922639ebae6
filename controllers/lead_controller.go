package controller

import (
	"errors"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
)

type LeadController struct {
	Leads  store.LeadStoreInterface
	Logger *log.Logger
}

func NewLeadController(leads store.LeadStoreInterface) *LeadController {
	return &LeadController{
		Leads:  leads,
		Logger: log.New(os.Stdout, "LEAD: ", log.LstdFlags),
	}
}

// CreateLead registers a contact. At least one channel address is required,
// and whatever addresses are given must be well-formed.
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var input struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Company   string `json:"company"`
		Position  string `json:"position"`

		Email       string `json:"email"`
		Phone       string `json:"phone"`
		LinkedInURL string `json:"linkedin_url"`

		Source string `json:"source"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if input.Email == "" && input.Phone == "" && input.LinkedInURL == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "At least one of email, phone or linkedin_url is required", nil)
	}
	if input.Email != "" && !utils.ValidEmailAddress(input.Email) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", nil)
	}
	if input.Phone != "" && !utils.ValidPhoneNumber(input.Phone) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid phone number", nil)
	}

	lead := models.Lead{
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		Company:     input.Company,
		Position:    input.Position,
		Email:       input.Email,
		Phone:       input.Phone,
		LinkedInURL: input.LinkedInURL,
		Source:      input.Source,
	}

	if err := lc.Leads.Create(&lead); err != nil {
		utils.LogError("lead_create", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// GetLead returns a single lead
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", nil)
	}

	lead, err := lc.Leads.ByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load lead", nil)
	}
	return c.JSON(utils.SuccessResponse(lead))
}
