package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
)

// EnrollLeads adds a batch of leads to a sequence. Leads already enrolled
// are reported back as skipped rather than failing the whole batch. When
// the sequence is already active, the new enrollments get a due time off
// step 1 immediately; drafts get scheduled at activation instead.
func (sc *SequenceController) EnrollLeads(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.IsTerminal() {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Cannot enroll into a terminal sequence", models.ErrInvalidState)
	}

	var input struct {
		LeadIDs []uint `json:"lead_ids" validate:"required,min=1,dive,gt=0"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var firstStep models.SequenceStep
	haveFirstStep := sc.DB.Where("sequence_id = ? AND step_order = 1", sequence.ID).
		First(&firstStep).Error == nil

	now := time.Now()
	var nextDueAt *time.Time
	if sequence.Status == models.SequenceStatusActive && haveFirstStep {
		due := now.Add(firstStep.Delay())
		nextDueAt = &due
	}

	tx := sc.DB.Begin()

	var enrolled, skipped []uint
	for _, leadID := range input.LeadIDs {
		var lead models.Lead
		if err := tx.First(&lead, leadID).Error; err != nil {
			skipped = append(skipped, leadID)
			continue
		}

		var existing int64
		if err := tx.Model(&models.Enrollment{}).
			Where("sequence_id = ? AND lead_id = ?", sequence.ID, leadID).
			Count(&existing).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll leads", nil)
		}
		if existing > 0 {
			skipped = append(skipped, leadID)
			continue
		}

		enrollment := models.Enrollment{
			SequenceID:       sequence.ID,
			LeadID:           leadID,
			CurrentStepOrder: 1,
			Status:           models.EnrollmentStatusScheduled,
			NextDueAt:        nextDueAt,
			EnrolledAt:       now,
		}
		if err := tx.Create(&enrollment).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll leads", nil)
		}
		enrolled = append(enrolled, leadID)
	}

	if len(enrolled) > 0 {
		if err := tx.Model(&models.Sequence{}).Where("id = ?", sequence.ID).
			UpdateColumn("total_enrolled", gorm.Expr("total_enrolled + ?", len(enrolled))).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll leads", nil)
		}
	}

	tx.Commit()

	sc.Logger.Printf("Sequence %d: enrolled %d lead(s), skipped %d", sequence.ID, len(enrolled), len(skipped))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Leads enrolled",
		"enrolled": enrolled,
		"skipped":  skipped,
	})
}

func (sc *SequenceController) GetEnrollments(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := sc.DB.Model(&models.Enrollment{}).Where("sequence_id = ?", sequence.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count enrollments", nil)
	}

	var enrollments []models.Enrollment
	if err := query.Preload("Lead").
		Order("enrolled_at ASC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollments", nil)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  enrollments,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (sc *SequenceController) GetEnrollment(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	var enrollment models.Enrollment
	err = sc.DB.Preload("Lead").
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("executed_at ASC")
		}).
		Where("sequence_id = ? AND id = ?", sequence.ID, utils.ParseUint(c.Params("enrollmentId"))).
		First(&enrollment).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	return c.JSON(fiber.Map{"enrollment": enrollment})
}

// UnenrollLead stops a single enrollment. The guarded update means a
// concurrent executor either observed the stop before sending, or already
// moved the enrollment to a terminal state and the unenroll reports conflict.
func (sc *SequenceController) UnenrollLead(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	enrollmentID := utils.ParseUint(c.Params("enrollmentId"))

	var enrollment models.Enrollment
	err = sc.DB.Where("sequence_id = ? AND id = ?", sequence.ID, enrollmentID).
		First(&enrollment).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}

	res := sc.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", enrollment.ID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Updates(map[string]interface{}{
			"status":      models.EnrollmentStatusStopped,
			"next_due_at": nil,
		})
	if res.Error != nil {
		sc.Logger.Printf("Failed to unenroll %d: %v", enrollment.ID, res.Error)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to unenroll lead", nil)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment is already terminal", models.ErrInvalidState)
	}

	return c.JSON(fiber.Map{"message": "Lead unenrolled successfully"})
}
