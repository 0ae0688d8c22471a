package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
)

// Step mutations are draft-only: once a sequence activates, its step list
// is frozen so in-flight enrollments stay consistent.

type stepInput struct {
	StepType        string `json:"step_type" validate:"required,oneof=email delay condition action"`
	StepOrder       int    `json:"step_order"`
	DelayDays       int    `json:"delay_days"`
	DelayHours      int    `json:"delay_hours"`
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `json:"body_template"`
	ConditionType   string `json:"condition_type"`
	ActionType      string `json:"action_type"`
	ActionValue     string `json:"action_value"`
}

func (in *stepInput) apply(step *models.SequenceStep) {
	step.StepType = in.StepType
	step.DelayDays = in.DelayDays
	step.DelayHours = in.DelayHours
	step.SubjectTemplate = in.SubjectTemplate
	step.BodyTemplate = in.BodyTemplate
	step.ConditionType = in.ConditionType
	step.ActionType = in.ActionType
	step.ActionValue = in.ActionValue
}

// requireDraft writes the conflict response when step mutation is not allowed.
func (sc *SequenceController) requireDraft(c *fiber.Ctx, sequence *models.Sequence) error {
	if sequence.Status != models.SequenceStatusDraft {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Steps can only be modified while the sequence is a draft", models.ErrInvalidState)
	}
	return nil
}

func (sc *SequenceController) GetSteps(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, true)
	if err != nil {
		return sc.respondLoadError(c, err)
	}
	return c.JSON(fiber.Map{"steps": sequence.Steps})
}

// AddStep appends or inserts a step. step_order 0 (or past the end) means
// append; an explicit order inserts there and shifts the rest down.
func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}
	if err := sc.requireDraft(c, sequence); err != nil {
		return err
	}

	var input stepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	step := models.SequenceStep{SequenceID: sequence.ID}
	input.apply(&step)
	if err := utils.ValidateStepPayload(&step); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step payload", err)
	}

	tx := sc.DB.Begin()

	var count int64
	if err := tx.Model(&models.SequenceStep{}).
		Where("sequence_id = ?", sequence.ID).Count(&count).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", nil)
	}

	position := input.StepOrder
	if position < 1 || position > int(count)+1 {
		position = int(count) + 1
	}

	// Shift steps at and after the insert position.
	if err := tx.Model(&models.SequenceStep{}).
		Where("sequence_id = ? AND step_order >= ?", sequence.ID, position).
		UpdateColumn("step_order", gorm.Expr("step_order + 1")).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", nil)
	}

	step.StepOrder = position
	if err := tx.Create(&step).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", nil)
	}

	tx.Commit()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Step added successfully",
		"step":    step,
	})
}

func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}
	if err := sc.requireDraft(c, sequence); err != nil {
		return err
	}

	var step models.SequenceStep
	err = sc.DB.Where("sequence_id = ? AND id = ?", sequence.ID, utils.ParseUint(c.Params("stepId"))).
		First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load step", nil)
	}

	var input stepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	input.apply(&step)
	if err := utils.ValidateStepPayload(&step); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step payload", err)
	}

	if err := sc.DB.Save(&step).Error; err != nil {
		sc.Logger.Printf("Failed to update step %d: %v", step.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update step", nil)
	}

	return c.JSON(fiber.Map{
		"message": "Step updated successfully",
		"step":    step,
	})
}

// DeleteStep removes a step and renumbers the remainder so orders stay
// contiguous from 1.
func (sc *SequenceController) DeleteStep(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}
	if err := sc.requireDraft(c, sequence); err != nil {
		return err
	}

	var step models.SequenceStep
	err = sc.DB.Where("sequence_id = ? AND id = ?", sequence.ID, utils.ParseUint(c.Params("stepId"))).
		First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load step", nil)
	}

	tx := sc.DB.Begin()
	if err := tx.Delete(&step).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete step", nil)
	}
	if err := tx.Model(&models.SequenceStep{}).
		Where("sequence_id = ? AND step_order > ?", sequence.ID, step.StepOrder).
		UpdateColumn("step_order", gorm.Expr("step_order - 1")).Error; err != nil {
		tx.Rollback()
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to renumber steps", nil)
	}
	tx.Commit()

	return c.JSON(fiber.Map{"message": "Step deleted successfully"})
}
