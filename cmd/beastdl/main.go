package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/billing"
	"github.com/beastdl/beastdl/internal/pkg/cache"
	"github.com/beastdl/beastdl/internal/pkg/config"
	"github.com/beastdl/beastdl/internal/pkg/database"
	"github.com/beastdl/beastdl/internal/pkg/dispatcher"
	"github.com/beastdl/beastdl/internal/pkg/entitlements"
	"github.com/beastdl/beastdl/internal/pkg/env"
	"github.com/beastdl/beastdl/internal/pkg/fetcher"
	"github.com/beastdl/beastdl/internal/pkg/jobqueue"
	"github.com/beastdl/beastdl/internal/pkg/quota"
	"github.com/beastdl/beastdl/internal/pkg/router"
	"github.com/beastdl/beastdl/internal/pkg/s3storage"
	"github.com/beastdl/beastdl/internal/pkg/transport"
)

func main() {
	if err := entitlements.ValidateLimits(); err != nil {
		log.Fatalf("Broken plan table: %v", err)
	}

	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	settings := config.Load()
	repos := repository.NewRepositories(database.GetDB())

	storage := setupStorage()
	fetch := fetcher.NewYtdlpFetcher(env.GetEnv("DOWNLOAD_DIR", os.TempDir()))
	notifier := transport.LogNotifier{}
	dedupe := transport.NewRedisDedupe(cache.GetClient())

	queue := jobqueue.NewQueue(cache.GetClient(), repos.Jobs, settings.WorkerCount, settings.MaxQueueDepth)
	processor := jobqueue.NewProcessor(repos.Jobs, fetch, storage, notifier, dedupe, queue.ScheduleRetry, jobqueue.ProcessorConfig{
		FetchTimeout: settings.FetchTimeout,
		BackoffBase:  settings.BackoffBase,
		BackoffCap:   settings.BackoffCap,
	})
	queue.Bind(processor)

	billingSvc := billing.NewServiceFromDB(database.GetDB(), settings.PlanPeriod)
	manager := jobqueue.NewManager(queue, billingSvc, settings)
	manager.Start()
	defer manager.Stop()

	ledger := quota.NewLedger(repos.Jobs, settings.MaxAttempts)
	d := dispatcher.New(repos.Users, repos.Jobs, ledger, queue, settings.AllowedSchemes)

	app := fiber.New(fiber.Config{
		AppName: "beastdl",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	router.InstallRouter(app, router.Deps{
		Repos:          repos,
		Dispatcher:     d,
		Billing:        billingSvc,
		ServiceKey:     env.GetEnv("BOT_API_KEY", ""),
		CallbackSecret: settings.CallbackSecret,
	})

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
}

func setupStorage() s3storage.Storage {
	cfg, err := s3storage.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid S3 configuration: %v", err)
	}
	if !cfg.IsEnabled() {
		log.Println("S3 storage disabled, keeping results on local disk")
		return s3storage.LocalStorage{}
	}
	client, err := s3storage.NewClient(cfg)
	if err != nil {
		log.Fatalf("Could not create S3 client: %v", err)
	}
	return client
}
