package controller

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"leadflow/config"
	"leadflow/store"
	"leadflow/utils"
	"leadflow/worker"
)

// AdminController is the ops surface: manual reconciliation triggers and
// the drift audit.
type AdminController struct {
	Deliveries store.DeliveryStoreInterface
	Reconciler *worker.Reconciler
	Cfg        config.DispatchConfig
	Logger     *log.Logger
}

func NewAdminController(deliveries store.DeliveryStoreInterface, reconciler *worker.Reconciler, cfg config.DispatchConfig) *AdminController {
	return &AdminController{
		Deliveries: deliveries,
		Reconciler: reconciler,
		Cfg:        cfg,
		Logger:     log.New(os.Stdout, "ADMIN: ", log.LstdFlags),
	}
}

// RequeueStuck forces the stuck-row sweep, optionally scoped to one
// campaign via ?campaign_id=.
func (ac *AdminController) RequeueStuck(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Query("campaign_id", "0"))

	n, err := ac.Deliveries.RequeueStuck(campaignID, ac.Cfg.ClaimTimeout)
	if err != nil {
		utils.LogError("admin_requeue", err, map[string]interface{}{"campaign_id": campaignID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Requeue failed", nil)
	}

	ac.Logger.Printf("Manual requeue: %d deliveries (campaign_id=%d)", n, campaignID)
	return c.JSON(utils.SuccessResponse(fiber.Map{"requeued": n}))
}

// GetReconciliation returns the stored-vs-recomputed counter audit for
// every open campaign.
func (ac *AdminController) GetReconciliation(c *fiber.Ctx) error {
	report, err := ac.Reconciler.Report()
	if err != nil {
		utils.LogError("admin_reconciliation", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Reconciliation report failed", nil)
	}
	return c.JSON(utils.SuccessResponse(report))
}

// HealthCheck reports service liveness
func (ac *AdminController) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
