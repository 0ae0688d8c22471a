package controller

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"cadence/config"
	"cadence/models"
	"cadence/utils"
)

// EventController ingests engagement signals: provider webhooks, open
// tracking pixel hits and click redirects.
type EventController struct {
	DB       *gorm.DB
	Ingestor *utils.EventIngestor
	Logger   *log.Logger
}

func NewEventController(db *gorm.DB, logger *log.Logger) *EventController {
	return &EventController{
		DB:       db,
		Ingestor: utils.NewEventIngestor(db, logger),
		Logger:   logger,
	}
}

// HandleEventWebhook accepts a normalized provider event. The event is
// attributed either by enrollment_id directly or by (sequence_id, lead_id).
// A duplicate provider_event_id is acknowledged as success so providers
// that retry deliveries never see errors.
func (ec *EventController) HandleEventWebhook(c *fiber.Ctx) error {
	var input struct {
		EnrollmentID    uint   `json:"enrollment_id"`
		SequenceID      uint   `json:"sequence_id"`
		LeadID          uint   `json:"lead_id"`
		EventType       string `json:"event_type" validate:"required,oneof=opened clicked replied"`
		OccurredAt      string `json:"occurred_at"`
		ProviderEventID string `json:"provider_event_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	occurredAt := time.Now()
	if input.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, input.OccurredAt)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid occurred_at, expected RFC3339", nil)
		}
		occurredAt = parsed
	}

	var event *models.EngagementEvent
	var err error
	switch {
	case input.EnrollmentID != 0:
		event, err = ec.Ingestor.Ingest(input.EnrollmentID, input.EventType, occurredAt, input.ProviderEventID)
	case input.SequenceID != 0 && input.LeadID != 0:
		event, err = ec.Ingestor.IngestByLead(input.SequenceID, input.LeadID, input.EventType, occurredAt, input.ProviderEventID)
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Provide enrollment_id, or sequence_id and lead_id", nil)
	}

	if err != nil {
		if errors.Is(err, models.ErrDuplicateEvent) {
			return c.JSON(fiber.Map{
				"message": "Event already recorded",
				"event":   event,
			})
		}
		if errors.Is(err, models.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
		}
		ec.Logger.Printf("Failed to ingest event %s: %v", input.ProviderEventID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record event", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Event recorded",
		"event":   event,
	})
}

// HandleOpenTracking serves the tracking pixel. Each hit gets its own
// provider event id so repeat opens are counted individually; it always
// answers with the pixel, even when attribution fails.
func (ec *EventController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if !utils.ValidTrackingToken(messageID, token, config.AppConfig.TrackingSecret) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	providerEventID := "open:" + messageID + ":" + uuid.New().String()
	if _, err := ec.Ingestor.IngestByMessageID(messageID, models.EventOpened, time.Now(), providerEventID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			ec.Logger.Printf("Failed to record open for %s: %v", messageID, err)
		}
	}

	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records the click and redirects to the original URL.
func (ec *EventController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidTrackingToken(messageID, token, config.AppConfig.TrackingSecret) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing url")
	}

	providerEventID := "click:" + messageID + ":" + uuid.New().String()
	if _, err := ec.Ingestor.IngestByMessageID(messageID, models.EventClicked, time.Now(), providerEventID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			ec.Logger.Printf("Failed to record click for %s: %v", messageID, err)
		}
	}

	return c.Redirect(originalURL, fiber.StatusFound)
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
