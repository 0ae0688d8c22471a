package models

import (
	"time"

	"gorm.io/gorm"
)

// Engagement event types
const (
	EventOpened  = "opened"
	EventClicked = "clicked"
	EventReplied = "replied"
)

// EngagementEvent is an append-only record of an external open/click/reply
// signal attributed to an enrollment. The unique ProviderEventID index makes
// ingestion idempotent under duplicate webhook delivery.
type EngagementEvent struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`
	LeadID       uint `gorm:"not null;index" json:"lead_id"`

	EventType  string    `gorm:"not null" json:"event_type"` // opened, clicked, replied
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`

	ProviderEventID string `gorm:"not null;uniqueIndex" json:"provider_event_id"`
}

// Notification is written by notify_user action steps for the UI's activity
// surfaces to pick up.
type Notification struct {
	gorm.Model
	LeadID     uint   `gorm:"not null;index" json:"lead_id"`
	SequenceID uint   `gorm:"not null;index" json:"sequence_id"`
	Message    string `gorm:"not null" json:"message"`
	IsRead     bool   `gorm:"default:false" json:"is_read"`
}
