package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence statuses
const (
	SequenceStatusDraft     = "draft"
	SequenceStatusActive    = "active"
	SequenceStatusPaused    = "paused"
	SequenceStatusArchived  = "archived"
	SequenceStatusCompleted = "completed"
)

// Step types
const (
	StepTypeEmail     = "email"
	StepTypeDelay     = "delay"
	StepTypeCondition = "condition"
	StepTypeAction    = "action"
)

// Condition types
const (
	ConditionIfReplied    = "if_replied"
	ConditionIfNotReplied = "if_not_replied"
	ConditionIfOpened     = "if_opened"
	ConditionIfNotOpened  = "if_not_opened"
	ConditionIfClicked    = "if_clicked"
)

// Action types
const (
	ActionUpdateStatus  = "update_status"
	ActionMarkQualified = "mark_qualified"
	ActionTagLead       = "tag_lead"
	ActionNotifyUser    = "notify_user"
)

// Sequence represents an automated outreach sequence
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft';index" json:"status"` // draft, active, paused, archived, completed

	// Optional campaign linkage (lead lifecycle is managed elsewhere)
	CampaignID *uint `gorm:"index" json:"campaign_id,omitempty"`

	// Scheduling - nil ScheduledStartAt means "start immediately on activation"
	ScheduledStartAt *time.Time `json:"scheduled_start_at"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`

	// Optimistic concurrency token for lifecycle transitions
	Version uint `gorm:"default:0" json:"version"`

	// Statistics (denormalized for performance)
	TotalEnrolled  int `gorm:"default:0" json:"total_enrolled"`
	TotalCompleted int `gorm:"default:0" json:"total_completed"`

	// Relations
	Steps       []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
	Enrollments []Enrollment   `gorm:"foreignKey:SequenceID" json:"enrollments,omitempty"`
}

// SequenceStep represents one step in a sequence. StepOrder is 1-based and
// kept contiguous on every mutation; the step list is frozen once the
// sequence leaves draft.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepOrder int    `gorm:"not null" json:"step_order"`
	StepType  string `gorm:"not null" json:"step_type"` // email, delay, condition, action

	// Delay applied before this step fires, relative to previous step completion
	DelayDays  int `gorm:"default:0" json:"delay_days"`
	DelayHours int `gorm:"default:0" json:"delay_hours"`

	// Email step payload
	SubjectTemplate string `json:"subject_template,omitempty"`
	BodyTemplate    string `gorm:"type:text" json:"body_template,omitempty"`

	// Condition step payload
	ConditionType string `json:"condition_type,omitempty"` // if_replied, if_not_replied, if_opened, if_not_opened, if_clicked

	// Action step payload
	ActionType  string `json:"action_type,omitempty"` // update_status, mark_qualified, tag_lead, notify_user
	ActionValue string `json:"action_value,omitempty"`
}

// Delay returns the wait before this step fires.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// IsTerminal reports whether the sequence can no longer change state.
func (seq *Sequence) IsTerminal() bool {
	return seq.Status == SequenceStatusArchived || seq.Status == SequenceStatusCompleted
}
