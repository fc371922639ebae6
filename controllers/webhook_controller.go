package controller

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"

	"leadflow/store"
	"leadflow/utils"
)

type WebhookController struct {
	Deliveries store.DeliveryStoreInterface
	Logger     *log.Logger
}

func NewWebhookController(deliveries store.DeliveryStoreInterface) *WebhookController {
	return &WebhookController{
		Deliveries: deliveries,
		Logger:     log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags),
	}
}

// HandleProviderEvent ingests delivery callbacks from a channel provider.
// Duplicates and out-of-order events are acknowledged with 200 so providers
// stop retrying them; only malformed payloads get an error status.
func (wc *WebhookController) HandleProviderEvent(c *fiber.Ctx) error {
	provider := c.Params("provider")

	var input struct {
		ExternalMessageID string `json:"external_message_id" validate:"required"`
		Event             string `json:"event" validate:"required,oneof=delivered read replied bounced"`
		Timestamp         int64  `json:"timestamp"` // unix seconds, optional
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	at := time.Now()
	if input.Timestamp > 0 {
		at = time.Unix(input.Timestamp, 0)
	}

	err := wc.Deliveries.ApplyEvent(input.ExternalMessageID, input.Event, at)
	switch {
	case err == nil:
		return c.JSON(utils.SuccessResponse(fiber.Map{"applied": true}))
	case errors.Is(err, store.ErrNotFound):
		// Unknown message id: not ours, or the row was purged. Ack it so
		// the provider does not retry forever.
		wc.Logger.Printf("%s event for unknown message %s ignored", provider, input.ExternalMessageID)
		return c.JSON(utils.SuccessResponse(fiber.Map{"applied": false, "reason": "unknown message id"}))
	case errors.Is(err, store.ErrUnknownEvent):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown event type", nil)
	default:
		utils.LogError("webhook_apply", err, map[string]interface{}{
			"provider":   provider,
			"message_id": input.ExternalMessageID,
			"event":      input.Event,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to apply event", nil)
	}
}

// HandleOpenTracking serves the email open pixel. A valid hit reports the
// read stage; the pixel is returned no matter what so broken tokens do not
// leave broken images in inboxes.
func (wc *WebhookController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if utils.ValidTrackingToken(messageID, token) {
		if err := wc.Deliveries.ApplyEvent(messageID, store.EventRead, time.Now()); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			utils.LogError("open_tracking", err, map[string]interface{}{"message_id": messageID})
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(utils.TransparentPixel())
}
