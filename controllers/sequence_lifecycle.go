package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"cadence/models"
	"cadence/utils"
)

// Lifecycle transitions are read-modify-write on the sequence record and
// use optimistic concurrency: the update is guarded by the status (and
// version) observed, so concurrent pause/resume races lose cleanly.

func parseTimePtr(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// transition applies a guarded status change and reports whether this
// caller won the race.
func (sc *SequenceController) transition(sequence *models.Sequence, from []string, updates map[string]interface{}) (bool, error) {
	updates["version"] = sequence.Version + 1
	res := sc.DB.Model(&models.Sequence{}).
		Where("id = ? AND status IN ? AND version = ?", sequence.ID, from, sequence.Version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ActivateSequence transitions draft → active. Preconditions: at least one
// step and at least one enrollment. Enrollments are seeded with step 1's
// due time relative to the effective start (now, or the scheduled start).
func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.Status != models.SequenceStatusDraft {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only draft sequences can be activated", models.ErrInvalidState)
	}

	var input struct {
		ScheduledStartAt string `json:"scheduled_start_at"`
	}
	// Body is optional; an empty body means immediate start.
	_ = c.BodyParser(&input)

	scheduledStart, err := parseTimePtr(input.ScheduledStartAt)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid scheduled_start_at, expected RFC3339", nil)
	}
	if scheduledStart == nil {
		scheduledStart = sequence.ScheduledStartAt
	}

	var firstStep models.SequenceStep
	if err := sc.DB.Where("sequence_id = ? AND step_order = 1", sequence.ID).
		First(&firstStep).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Sequence has no steps", models.ErrEmptySequence)
	}

	var enrollmentCount int64
	if err := sc.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ?", sequence.ID).Count(&enrollmentCount).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count enrollments", nil)
	}
	if enrollmentCount == 0 {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Sequence has no enrollments", models.ErrNoEnrollments)
	}

	now := time.Now()
	effectiveStart := now
	if scheduledStart != nil && scheduledStart.After(now) {
		effectiveStart = *scheduledStart
	}

	won, err := sc.transition(sequence, []string{models.SequenceStatusDraft}, map[string]interface{}{
		"status":             models.SequenceStatusActive,
		"started_at":         now,
		"scheduled_start_at": scheduledStart,
	})
	if err != nil {
		sc.Logger.Printf("Failed to activate sequence %d: %v", sequence.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate sequence", nil)
	}
	if !won {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence was modified concurrently, retry", nil)
	}

	if err := sc.Scheduler.SeedEnrollments(sequence.ID, effectiveStart, &firstStep); err != nil {
		sc.Logger.Printf("Failed to seed enrollments for sequence %d: %v", sequence.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Sequence activated but seeding failed", nil)
	}

	sc.Logger.Printf("Sequence %d activated, %d enrollment(s) seeded", sequence.ID, enrollmentCount)
	return c.JSON(fiber.Map{
		"message":         "Sequence activated successfully",
		"effective_start": effectiveStart,
	})
}

// PauseSequence is lazy: due items stay queued and the executor treats the
// paused sequence as a no-op at dequeue time, so resume needs no re-seeding.
func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.Status != models.SequenceStatusActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only active sequences can be paused", models.ErrInvalidState)
	}

	won, err := sc.transition(sequence, []string{models.SequenceStatusActive}, map[string]interface{}{
		"status": models.SequenceStatusPaused,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause sequence", nil)
	}
	if !won {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence was modified concurrently, retry", nil)
	}

	return c.JSON(fiber.Map{"message": "Sequence paused successfully"})
}

// ResumeSequence honors the original schedule: overdue items fire on the
// next scan rather than being silently skipped.
func (sc *SequenceController) ResumeSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.Status != models.SequenceStatusPaused {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only paused sequences can be resumed", models.ErrInvalidState)
	}

	won, err := sc.transition(sequence, []string{models.SequenceStatusPaused}, map[string]interface{}{
		"status": models.SequenceStatusActive,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume sequence", nil)
	}
	if !won {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence was modified concurrently, retry", nil)
	}

	return c.JSON(fiber.Map{"message": "Sequence resumed successfully"})
}

// ArchiveSequence is an explicit user action and terminal.
func (sc *SequenceController) ArchiveSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.IsTerminal() {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence is already terminal", models.ErrInvalidState)
	}

	from := []string{models.SequenceStatusDraft, models.SequenceStatusActive, models.SequenceStatusPaused}
	won, err := sc.transition(sequence, from, map[string]interface{}{
		"status": models.SequenceStatusArchived,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to archive sequence", nil)
	}
	if !won {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence was modified concurrently, retry", nil)
	}

	return c.JSON(fiber.Map{"message": "Sequence archived successfully"})
}

// CompleteSequence is housekeeping: allowed once every enrollment reached a
// terminal status.
func (sc *SequenceController) CompleteSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.Status != models.SequenceStatusActive && sequence.Status != models.SequenceStatusPaused {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only active or paused sequences can be completed", models.ErrInvalidState)
	}

	var inFlight int64
	err = sc.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ?", sequence.ID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Count(&inFlight).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check enrollments", nil)
	}
	if inFlight > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence still has enrollments in flight", models.ErrInvalidState)
	}

	from := []string{models.SequenceStatusActive, models.SequenceStatusPaused}
	won, err := sc.transition(sequence, from, map[string]interface{}{
		"status":       models.SequenceStatusCompleted,
		"completed_at": time.Now(),
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to complete sequence", nil)
	}
	if !won {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence was modified concurrently, retry", nil)
	}

	return c.JSON(fiber.Map{"message": "Sequence completed successfully"})
}
