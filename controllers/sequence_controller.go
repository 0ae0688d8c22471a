package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
	"cadence/worker"
)

// SequenceController serves the sequence management API consumed by the UI
// layer.
type SequenceController struct {
	DB        *gorm.DB
	Scheduler *worker.Scheduler
	Logger    *log.Logger
}

func NewSequenceController(db *gorm.DB, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:        db,
		Scheduler: worker.NewScheduler(db),
		Logger:    logger,
	}
}

// loadSequence fetches the sequence addressed by the :id route param.
func (sc *SequenceController) loadSequence(c *fiber.Ctx, preloadSteps bool) (*models.Sequence, error) {
	query := sc.DB
	if preloadSteps {
		query = query.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		})
	}
	var sequence models.Sequence
	err := query.First(&sequence, utils.ParseUint(c.Params("id"))).Error
	return &sequence, err
}

// respondLoadError maps a loadSequence failure onto the HTTP response.
func (sc *SequenceController) respondLoadError(c *fiber.Ctx, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	sc.Logger.Printf("Failed to load sequence: %v", err)
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", nil)
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name        string `json:"name" validate:"required,min=1,max=255"`
		Description string `json:"description"`
		CampaignID  *uint  `json:"campaign_id"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	sequence := models.Sequence{
		Name:        input.Name,
		Description: input.Description,
		CampaignID:  input.CampaignID,
		Status:      models.SequenceStatusDraft,
	}

	if err := sc.DB.Create(&sequence).Error; err != nil {
		sc.Logger.Printf("Failed to create sequence: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Sequence created successfully",
		"sequence": sequence,
	})
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := sc.DB.Model(&models.Sequence{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count sequences", nil)
	}

	var sequences []models.Sequence
	if err := query.Order("created_at DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", nil)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  sequences,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, true)
	if err != nil {
		return sc.respondLoadError(c, err)
	}
	return c.JSON(fiber.Map{"sequence": sequence})
}

// UpdateSequence edits name/description/scheduled start. Scheduled start is
// only editable while draft because activation consumes it.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	var input struct {
		Name             *string `json:"name"`
		Description      *string `json:"description"`
		ScheduledStartAt *string `json:"scheduled_start_at"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["name"] = *input.Name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
	}
	if input.ScheduledStartAt != nil {
		if sequence.Status != models.SequenceStatusDraft {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Cannot change scheduled start outside draft", models.ErrInvalidState)
		}
		startAt, err := parseTimePtr(*input.ScheduledStartAt)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid scheduled_start_at", nil)
		}
		updates["scheduled_start_at"] = startAt
	}

	if len(updates) == 0 {
		return c.JSON(fiber.Map{"sequence": sequence})
	}

	if err := sc.DB.Model(sequence).Updates(updates).Error; err != nil {
		sc.Logger.Printf("Failed to update sequence %d: %v", sequence.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", nil)
	}

	return c.JSON(fiber.Map{
		"message":  "Sequence updated successfully",
		"sequence": sequence,
	})
}

// DeleteSequence removes a draft or archived sequence and cascades its
// steps, enrollments and their history.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	if sequence.Status != models.SequenceStatusDraft && sequence.Status != models.SequenceStatusArchived {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Only draft or archived sequences can be deleted", models.ErrInvalidState)
	}

	tx := sc.DB.Begin()

	var enrollmentIDs []uint
	if err := tx.Model(&models.Enrollment{}).Where("sequence_id = ?", sequence.ID).
		Pluck("id", &enrollmentIDs).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", nil)
	}

	if len(enrollmentIDs) > 0 {
		if err := tx.Where("enrollment_id IN ?", enrollmentIDs).
			Delete(&models.StepExecutionRecord{}).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence history", nil)
		}
	}

	for _, model := range []interface{}{&models.Enrollment{}, &models.SequenceStep{}} {
		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(model).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", nil)
		}
	}

	if err := tx.Delete(sequence).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", nil)
	}

	tx.Commit()
	return c.JSON(fiber.Map{"message": "Sequence deleted successfully"})
}

// DuplicateSequence copies a sequence and its steps into a fresh draft.
func (sc *SequenceController) DuplicateSequence(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, true)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	duplicate := models.Sequence{
		Name:        sequence.Name + " (copy)",
		Description: sequence.Description,
		CampaignID:  sequence.CampaignID,
		Status:      models.SequenceStatusDraft,
	}

	tx := sc.DB.Begin()
	if err := tx.Create(&duplicate).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to duplicate sequence", nil)
	}

	for _, step := range sequence.Steps {
		copied := models.SequenceStep{
			SequenceID:      duplicate.ID,
			StepOrder:       step.StepOrder,
			StepType:        step.StepType,
			DelayDays:       step.DelayDays,
			DelayHours:      step.DelayHours,
			SubjectTemplate: step.SubjectTemplate,
			BodyTemplate:    step.BodyTemplate,
			ConditionType:   step.ConditionType,
			ActionType:      step.ActionType,
			ActionValue:     step.ActionValue,
		}
		if err := tx.Create(&copied).Error; err != nil {
			tx.Rollback()
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to duplicate sequence steps", nil)
		}
	}

	tx.Commit()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Sequence duplicated successfully",
		"sequence": duplicate,
	})
}
