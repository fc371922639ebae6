package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	"leadflow/config"
	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/store"
	"leadflow/worker"
)

// Deps bundles everything the route handlers need.
type Deps struct {
	Campaigns  store.CampaignStoreInterface
	Deliveries store.DeliveryStoreInterface
	Leads      store.LeadStoreInterface
	Lifecycle  *worker.Lifecycle
	Reconciler *worker.Reconciler
}

// SetupRoutes wires the HTTP surface onto the fiber app.
func SetupRoutes(app *fiber.App, deps Deps, dispatchCfg config.DispatchConfig) {
	routeLogger := log.New(os.Stdout, "ROUTES: ", log.Ldate|log.Ltime)

	campaignController := controller.NewCampaignController(deps.Campaigns, deps.Deliveries, deps.Leads, deps.Lifecycle)
	leadController := controller.NewLeadController(deps.Leads)
	webhookController := controller.NewWebhookController(deps.Deliveries)
	adminController := controller.NewAdminController(deps.Deliveries, deps.Reconciler, dispatchCfg)
	progressStreamer := controller.NewProgressStreamer(deps.Campaigns, deps.Deliveries)

	// API group with request logging
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Campaign routes
	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignController.CreateCampaign)
	campaigns.Get("/", campaignController.GetCampaigns)
	campaigns.Get("/:id", campaignController.GetCampaign)
	campaigns.Get("/:id/stats", campaignController.GetCampaignStats)
	// Live counter stream over websocket
	campaigns.Get("/:id/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return websocket.New(progressStreamer.HandleCampaignProgressWS)(c)
		}
		return fiber.ErrUpgradeRequired
	})
	campaigns.Post("/:id/leads", campaignController.EnrollLeads)
	campaigns.Get("/:id/leads/:leadID/deliveries", campaignController.GetLeadHistory)
	campaigns.Post("/:id/start", campaignController.StartCampaign)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Post("/:id/resume", campaignController.ResumeCampaign)

	// Lead routes
	leads := api.Group("/leads")
	leads.Post("/", leadController.CreateLead)
	leads.Get("/:id", leadController.GetLead)

	// Provider callbacks, rate limited per source
	webhooks := app.Group("/webhooks", middleware.WebhookRateLimiter())
	webhooks.Post("/:provider", webhookController.HandleProviderEvent)

	// Open-tracking pixel (public, hit from mail clients)
	app.Get("/track/open/:messageID/:token", webhookController.HandleOpenTracking)

	// Admin / ops surface
	admin := api.Group("/admin")
	admin.Post("/requeue-stuck", adminController.RequeueStuck)
	admin.Get("/reconciliation-report", adminController.GetReconciliation)
	app.Get("/health", adminController.HealthCheck)

	routeLogger.Println("Routes initialized successfully")
}
