package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentStatusScheduled = "scheduled"
	EnrollmentStatusActive    = "active"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusFailed    = "failed"
	EnrollmentStatusSkipped   = "skipped"
	EnrollmentStatusStopped   = "stopped"
)

// Execution outcomes
const (
	OutcomeSent        = "sent"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
	OutcomeBranchTaken = "branch_taken"
)

// Enrollment binds one lead to one sequence and tracks its progress.
// CurrentStepOrder is the order of the next step to execute; NextDueAt is
// nil once the enrollment reaches a terminal status.
type Enrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`

	CurrentStepOrder int        `gorm:"default:1" json:"current_step_order"`
	Status           string     `gorm:"default:'scheduled';index" json:"status"` // scheduled, active, completed, failed, skipped, stopped
	NextDueAt        *time.Time `gorm:"index" json:"next_due_at"`

	EnrolledAt  time.Time  `json:"enrolled_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Fast-path marker for if_replied / if_not_replied conditions
	RepliedAt *time.Time `json:"replied_at"`

	// Relations
	Lead    Lead                  `gorm:"foreignKey:LeadID" json:"lead,omitempty"`
	History []StepExecutionRecord `gorm:"foreignKey:EnrollmentID" json:"history,omitempty"`
}

// IsTerminal reports whether the enrollment can no longer advance.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentStatusCompleted, EnrollmentStatusFailed, EnrollmentStatusSkipped, EnrollmentStatusStopped:
		return true
	}
	return false
}

// StepExecutionRecord is an append-only log entry for one step execution.
// Records are never updated in place.
type StepExecutionRecord struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`

	StepOrder int    `gorm:"not null" json:"step_order"`
	StepType  string `gorm:"not null" json:"step_type"`

	ExecutedAt   time.Time `gorm:"not null;index" json:"executed_at"`
	Outcome      string    `gorm:"not null" json:"outcome"` // sent, failed, skipped, branch_taken
	ErrorMessage string    `json:"error_message,omitempty"`

	// Email steps only
	EmailSent bool   `gorm:"default:false" json:"email_sent"`
	MessageID string `gorm:"index" json:"message_id,omitempty"` // send correlation id, used by tracking and reply matching
}
