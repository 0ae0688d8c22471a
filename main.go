package main

import (
	"context"
	"log"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"cadence/config"
	"cadence/middleware"
	"cadence/routes"
	"cadence/utils"
	"cadence/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "CADENCE: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Initialize Sentry when a DSN is configured
	if config.AppConfig.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Enrollment lease: redis when enabled, otherwise process-local
	var lease worker.Lease
	if config.AppConfig.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		lease = worker.NewRedisLease(redisClient)
		logger.Println("Using redis enrollment lease")
	} else {
		lease = worker.NewLocalLease()
		logger.Println("Using local enrollment lease")
	}

	// Engine wiring: mailer, renderer, executor, scan-loop worker
	engineLog := logrus.New()
	engineLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	mailer := utils.NewSMTPMailer(config.AppConfig.SMTP, config.AppConfig.Engine.SendTimeout)
	renderer := utils.NewTemplateRenderer()
	executor := worker.NewStepExecutor(
		config.DB,
		mailer,
		renderer,
		engineLog,
		config.AppConfig.TrackingBaseURL,
		config.AppConfig.TrackingSecret,
	)

	sequenceWorker := worker.NewSequenceWorker(
		worker.NewScheduler(config.DB),
		executor,
		lease,
		log.New(os.Stdout, "ENGINE: ", log.LstdFlags),
		config.AppConfig.Engine.ScanInterval,
		config.AppConfig.Engine.LeaseTTL,
		config.AppConfig.Engine.WorkerCount,
		config.AppConfig.Engine.BatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sequenceWorker.Start(ctx)

	// Reply watcher only runs when an inbox is configured
	if config.AppConfig.IMAP.Enabled {
		ingestor := utils.NewEventIngestor(config.DB, log.New(os.Stdout, "REPLY: ", log.LstdFlags))
		replyWorker := worker.NewReplyWorker(
			ingestor,
			log.New(os.Stdout, "REPLY: ", log.LstdFlags),
			config.AppConfig.IMAP,
			config.AppConfig.Engine.ReplyPollInterval,
		)
		go replyWorker.Start(ctx)
	}

	// Setup routes
	routes.SetupRoutes(app, config.DB)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
