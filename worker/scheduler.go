package worker

import (
	"time"

	"gorm.io/gorm"

	"cadence/models"
)

// Scheduler owns due-time math and the time-ordered due scan. Timing never
// depends on step type: a step's delay fields always mean "wait this long
// after the previous step completed", so delay steps and email/condition/
// action steps compose identically.
type Scheduler struct {
	DB *gorm.DB
}

func NewScheduler(db *gorm.DB) *Scheduler {
	return &Scheduler{DB: db}
}

// NextDue computes when a step becomes eligible, given the completion time
// of the step before it.
func NextDue(completionTime time.Time, step *models.SequenceStep) time.Time {
	return completionTime.Add(step.Delay())
}

// SeedEnrollments stamps every non-terminal enrollment of a sequence with
// the due time of step 1. startAt is the sequence's effective start:
// activation time for immediate starts, the scheduled start otherwise.
func (s *Scheduler) SeedEnrollments(sequenceID uint, startAt time.Time, firstStep *models.SequenceStep) error {
	due := NextDue(startAt, firstStep)
	return s.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ?", sequenceID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Updates(map[string]interface{}{
			"current_step_order": 1,
			"next_due_at":        due,
		}).Error
}

// ListDue returns enrollments whose next step is eligible, oldest due first.
// Paused sequences are filtered here and rechecked by the executor; due
// items of a paused sequence stay queued so resume needs no re-seeding.
func (s *Scheduler) ListDue(now time.Time, limit int) ([]models.Enrollment, error) {
	var due []models.Enrollment
	err := s.DB.
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id AND sequences.deleted_at IS NULL").
		Where("sequences.status = ?", models.SequenceStatusActive).
		Where("enrollments.status IN ?", []string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Where("enrollments.next_due_at IS NOT NULL AND enrollments.next_due_at <= ?", now).
		Order("enrollments.next_due_at ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}
