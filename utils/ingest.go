package utils

import (
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"cadence/models"
)

// EventIngestor normalizes inbound open/click/reply signals into engagement
// events. Ingestion is append-only and idempotent: a provider event id that
// was already stored is a no-op.
type EventIngestor struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewEventIngestor(db *gorm.DB, logger *log.Logger) *EventIngestor {
	return &EventIngestor{DB: db, Logger: logger}
}

// Ingest records an engagement event for an enrollment. Returns
// models.ErrDuplicateEvent when the provider event id was seen before;
// callers treat that as success.
func (ei *EventIngestor) Ingest(enrollmentID uint, eventType string, occurredAt time.Time, providerEventID string) (*models.EngagementEvent, error) {
	var enrollment models.Enrollment
	if err := ei.DB.First(&enrollment, enrollmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return ei.ingest(&enrollment, eventType, occurredAt, providerEventID)
}

// IngestByLead resolves the enrollment from (sequence, lead) and records
// the event against it.
func (ei *EventIngestor) IngestByLead(sequenceID, leadID uint, eventType string, occurredAt time.Time, providerEventID string) (*models.EngagementEvent, error) {
	var enrollment models.Enrollment
	err := ei.DB.Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).
		Order("created_at DESC").
		First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return ei.ingest(&enrollment, eventType, occurredAt, providerEventID)
}

// IngestByMessageID resolves the enrollment from a sent message id; used by
// the tracking endpoints and the reply watcher.
func (ei *EventIngestor) IngestByMessageID(messageID, eventType string, occurredAt time.Time, providerEventID string) (*models.EngagementEvent, error) {
	var record models.StepExecutionRecord
	err := ei.DB.Where("message_id = ?", messageID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return ei.Ingest(record.EnrollmentID, eventType, occurredAt, providerEventID)
}

func (ei *EventIngestor) ingest(enrollment *models.Enrollment, eventType string, occurredAt time.Time, providerEventID string) (*models.EngagementEvent, error) {
	switch eventType {
	case models.EventOpened, models.EventClicked, models.EventReplied:
	default:
		return nil, errors.New("unknown event type: " + eventType)
	}

	var existing models.EngagementEvent
	err := ei.DB.Where("provider_event_id = ?", providerEventID).First(&existing).Error
	if err == nil {
		return &existing, models.ErrDuplicateEvent
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	event := models.EngagementEvent{
		EnrollmentID:    enrollment.ID,
		SequenceID:      enrollment.SequenceID,
		LeadID:          enrollment.LeadID,
		EventType:       eventType,
		OccurredAt:      occurredAt,
		ProviderEventID: providerEventID,
	}

	if err := ei.DB.Create(&event).Error; err != nil {
		// The unique index backstops the lookup above under concurrent delivery.
		var verify models.EngagementEvent
		if lookupErr := ei.DB.Where("provider_event_id = ?", providerEventID).First(&verify).Error; lookupErr == nil {
			return &verify, models.ErrDuplicateEvent
		}
		return nil, err
	}

	if eventType == models.EventReplied && enrollment.RepliedAt == nil {
		// First reply stamps the enrollment-level fast-path marker.
		if err := ei.DB.Model(&models.Enrollment{}).
			Where("id = ? AND replied_at IS NULL", enrollment.ID).
			Update("replied_at", occurredAt).Error; err != nil {
			ei.Logger.Printf("Failed to set replied_at for enrollment %d: %v", enrollment.ID, err)
		}
	}

	return &event, nil
}
