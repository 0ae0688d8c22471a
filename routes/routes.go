package routes

import (
	"log"
	"os"

	controller "cadence/controllers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

func SetupAPIRoutes(app *fiber.App, db *gorm.DB) {
	// Initialize controllers with their respective loggers
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	eventController := controller.NewEventController(db, log.New(os.Stdout, "EVENT: ", log.LstdFlags))

	// API group with versioning and request logging
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Put("/:id", sequenceController.UpdateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Post("/:id/duplicate", sequenceController.DuplicateSequence)

	// Step routes (draft-only mutations)
	sequence.Get("/:id/steps", sequenceController.GetSteps)
	sequence.Post("/:id/steps", sequenceController.AddStep)
	sequence.Put("/:id/steps/:stepId", sequenceController.UpdateStep)
	sequence.Delete("/:id/steps/:stepId", sequenceController.DeleteStep)

	// Lifecycle routes
	sequence.Post("/:id/activate", sequenceController.ActivateSequence)
	sequence.Post("/:id/pause", sequenceController.PauseSequence)
	sequence.Post("/:id/resume", sequenceController.ResumeSequence)
	sequence.Post("/:id/archive", sequenceController.ArchiveSequence)
	sequence.Post("/:id/complete", sequenceController.CompleteSequence)

	// Enrollment routes
	sequence.Post("/:id/enroll", sequenceController.EnrollLeads)
	sequence.Get("/:id/enrollments", sequenceController.GetEnrollments)
	sequence.Get("/:id/enrollments/:enrollmentId", sequenceController.GetEnrollment)
	sequence.Delete("/:id/enrollments/:enrollmentId", sequenceController.UnenrollLead)

	// Analytics routes
	sequence.Get("/:id/stats", sequenceController.GetSequenceStats)
	sequence.Get("/:id/analytics/funnel", sequenceController.GetSequenceFunnel)
	sequence.Get("/:id/analytics/timeseries", sequenceController.GetSequenceTimeSeries)

	// Engagement event ingestion
	api.Post("/events", eventController.HandleEventWebhook)

	// Tracking endpoints sit outside the API group: they are hit by mail
	// clients, not the dashboard.
	app.Get("/track/open/:messageID/:token", eventController.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", eventController.HandleClickTracking)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Setup API routes
	SetupAPIRoutes(app, db)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
