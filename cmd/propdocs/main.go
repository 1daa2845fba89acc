package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PropDocs/app/controllers"
	"github.com/ManuelReschke/PropDocs/app/repository"
	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
	"github.com/ManuelReschke/PropDocs/internal/pkg/cache"
	"github.com/ManuelReschke/PropDocs/internal/pkg/database"
	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/ManuelReschke/PropDocs/internal/pkg/env"
	"github.com/ManuelReschke/PropDocs/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PropDocs/internal/pkg/mail"
	"github.com/ManuelReschke/PropDocs/internal/pkg/metrics"
	"github.com/ManuelReschke/PropDocs/internal/pkg/router"
)

func main() {
	app, queue := NewApplication()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("[PropDocs] Shutting down")
		queue.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Queue) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	rdb := cache.GetClient()
	repository.InitializeFactory(db)
	users := repository.GetGlobalFactory().GetUserRepository()

	// BILLING
	cfg := billing.ConfigFromEnv()
	billingRepo := billing.NewRepository(db)
	plans, err := billing.LoadPlanTable(context.Background(), billingRepo, cfg)
	if err != nil {
		log.Fatalf("[Billing] Invalid price to plan table: %v", err)
	}
	if cfg.WebhookSecret == "" {
		log.Error("[Billing] STRIPE_WEBHOOK_SECRET is not set; every webhook delivery will be rejected")
	}

	reader := entitlements.NewReader(entitlements.NewGormStore(db), rdb, entitlements.DefaultCacheTTL)
	queue := jobqueue.NewQueue(rdb, env.GetEnvInt("JOBQUEUE_WORKERS", 3))
	webhookCounter := metrics.NewWebhookCounter(rdb)

	opts := []billing.Option{
		billing.WithConfig(cfg),
		billing.WithPlans(plans),
		billing.WithInvalidator(reader),
		billing.WithJobs(&jobqueue.BillingEnqueuer{Queue: queue}),
		billing.WithRecorder(webhookCounter),
	}
	if cfg.SecretKey != "" {
		provider, err := billing.NewStripeProvider(cfg.SecretKey, cfg.ProviderTimeout)
		if err != nil {
			log.Fatalf("[Billing] Provider setup failed: %v", err)
		}
		opts = append(opts, billing.WithProvider(provider))
	} else {
		log.Warn("[Billing] STRIPE_SECRET_KEY is not set; resync is disabled")
	}
	svc := billing.NewService(billingRepo, opts...)

	// JOB QUEUE
	mailer := mail.NewSMTPMailerFromEnv()
	if !mailer.Configured() {
		log.Warn("[Mail] SMTP_HOST is not set; receipt jobs will fail and retry")
	}
	jobqueue.RegisterBillingProcessors(queue, mailer, svc, cfg.GrantSweepEvery)
	queue.Start()

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:         1 << 20, // webhook payloads are small
		EnablePrintRoutes: env.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: findDocs(),
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Users:   users,
		Billing: controllers.NewBillingController(svc, reader),
		Admin:   controllers.NewAdminBillingController(svc, queue, webhookCounter),
		Account: controllers.NewAccountController(users, reader),
		Redis:   rdb,
	})

	return app, queue
}

// findDocs locates the OpenAPI document from the repo root or from cmd/propdocs.
func findDocs() string {
	for _, base := range []string{"./", "../../", "../../../"} {
		path := base + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "./public/docs/v1/openapi.yml"
}
