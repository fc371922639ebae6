package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"leadflow/channel"
	"leadflow/config"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/routes"
	"leadflow/store"
	"leadflow/worker"
)

func main() {
	logger := log.New(os.Stdout, "LEADFLOW: ", log.Ldate|log.Ltime)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("⚠️ Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Stores
	deliveryStore := store.NewDeliveryStore(config.DB)
	campaignStore := store.NewCampaignStore(config.DB)
	leadStore := store.NewLeadStore(config.DB)

	// Channel senders
	senders := channel.Registry{
		models.ChannelEmail:    channel.NewEmailSender(config.AppConfig.SMTP, config.AppConfig.BaseURL),
		models.ChannelWhatsApp: channel.NewWhatsAppSender(config.AppConfig.WhatsApp),
		models.ChannelLinkedIn: channel.NewLinkedInSender(config.AppConfig.LinkedIn),
	}

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := worker.NewDispatcher(deliveryStore, campaignStore, leadStore, senders, config.AppConfig.Dispatch)
	go dispatcher.Run(ctx)

	reconciler := worker.NewReconciler(deliveryStore, campaignStore, config.AppConfig.Dispatch)
	if err := reconciler.Start(getReconcileCron()); err != nil {
		logger.Fatalf("Failed to start reconciler: %v", err)
	}

	replyPoller := worker.NewReplyPoller(deliveryStore, config.AppConfig.IMAP, time.Minute)
	go replyPoller.Run(ctx)

	// HTTP surface
	app := fiber.New(fiber.Config{
		AppName: "leadflow",
	})
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		Campaigns:  campaignStore,
		Deliveries: deliveryStore,
		Leads:      leadStore,
		Lifecycle:  worker.NewLifecycle(campaignStore, deliveryStore),
		Reconciler: reconciler,
	}, config.AppConfig.Dispatch)

	// Graceful shutdown: stop claiming first, then drain HTTP
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logger.Println("Shutdown signal received")
		cancel()
		reconciler.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Printf("⚠️ Server shutdown error: %v", err)
		}
	}()

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
	logger.Println("✅ Server stopped")
}

func getReconcileCron() string {
	if spec := os.Getenv("RECONCILE_CRON"); spec != "" {
		return spec
	}
	return "@every 1m"
}
