package controller

import (
	"github.com/gofiber/fiber/v2"

	"cadence/models"
	"cadence/utils"
)

// GetSequenceStats returns the live progress snapshot for one sequence:
// enrollment counts per status, where active enrollments sit in the step
// list, and the most recent executions.
func (sc *SequenceController) GetSequenceStats(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	var statusCounts struct {
		Total     int64 `json:"total"`
		Scheduled int64 `json:"scheduled"`
		Active    int64 `json:"active"`
		Completed int64 `json:"completed"`
		Failed    int64 `json:"failed"`
		Skipped   int64 `json:"skipped"`
		Stopped   int64 `json:"stopped"`
	}
	err = sc.DB.Model(&models.Enrollment{}).
		Select(`
			COUNT(*) as total,
			SUM(CASE WHEN status = 'scheduled' THEN 1 ELSE 0 END) as scheduled,
			SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END) as active,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) as skipped,
			SUM(CASE WHEN status = 'stopped' THEN 1 ELSE 0 END) as stopped`).
		Where("sequence_id = ?", sequence.ID).
		Scan(&statusCounts).Error
	if err != nil {
		sc.Logger.Printf("Failed to compute stats for sequence %d: %v", sequence.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute stats", nil)
	}

	// Where the in-flight enrollments currently are.
	var stepDistribution []struct {
		StepOrder int   `json:"step_order"`
		Count     int64 `json:"count"`
	}
	err = sc.DB.Model(&models.Enrollment{}).
		Select("current_step_order as step_order, COUNT(*) as count").
		Where("sequence_id = ? AND status IN ?", sequence.ID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Group("current_step_order").
		Order("current_step_order ASC").
		Scan(&stepDistribution).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute step distribution", nil)
	}

	var recentActivity []struct {
		EnrollmentID uint   `json:"enrollment_id"`
		LeadID       uint   `json:"lead_id"`
		StepOrder    int    `json:"step_order"`
		StepType     string `json:"step_type"`
		Outcome      string `json:"outcome"`
		ExecutedAt   string `json:"executed_at"`
	}
	err = sc.DB.Table("step_execution_records").
		Select(`step_execution_records.enrollment_id,
			enrollments.lead_id,
			step_execution_records.step_order,
			step_execution_records.step_type,
			step_execution_records.outcome,
			step_execution_records.executed_at`).
		Joins("JOIN enrollments ON enrollments.id = step_execution_records.enrollment_id").
		Where("enrollments.sequence_id = ?", sequence.ID).
		Order("step_execution_records.executed_at DESC").
		Limit(20).
		Scan(&recentActivity).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch recent activity", nil)
	}

	return c.JSON(fiber.Map{
		"sequence_id":       sequence.ID,
		"status":            sequence.Status,
		"total_enrolled":    sequence.TotalEnrolled,
		"total_completed":   sequence.TotalCompleted,
		"enrollments":       statusCounts,
		"step_distribution": stepDistribution,
		"recent_activity":   recentActivity,
	})
}
