package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"cadence/models"
)

var validate = validator.New()

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	// Format validation errors
	var errors []string
	for _, err := range err.(validator.ValidationErrors) {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			errors = append(errors, field+" is required")
		case "min":
			errors = append(errors, field+" must be at least "+param)
		case "max":
			errors = append(errors, field+" must be at most "+param)
		case "email":
			errors = append(errors, field+" must be a valid email")
		case "oneof":
			errors = append(errors, field+" must be one of: "+param)
		default:
			errors = append(errors, field+" is invalid")
		}
	}

	return fmt.Errorf(strings.Join(errors, ", "))
}

// ValidateStepPayload checks the type-specific payload of a sequence step.
// Malformed steps are rejected here, at mutation time, so the executor can
// assume well-formed steps.
func ValidateStepPayload(step *models.SequenceStep) error {
	if step.DelayDays < 0 || step.DelayHours < 0 {
		return fmt.Errorf("step delay cannot be negative")
	}

	switch step.StepType {
	case models.StepTypeEmail:
		if step.SubjectTemplate == "" {
			return fmt.Errorf("email step requires subject_template")
		}
		if step.BodyTemplate == "" {
			return fmt.Errorf("email step requires body_template")
		}
	case models.StepTypeDelay:
		if step.DelayDays == 0 && step.DelayHours == 0 {
			return fmt.Errorf("delay step requires a non-zero delay")
		}
	case models.StepTypeCondition:
		switch step.ConditionType {
		case models.ConditionIfReplied, models.ConditionIfNotReplied,
			models.ConditionIfOpened, models.ConditionIfNotOpened,
			models.ConditionIfClicked:
		default:
			return fmt.Errorf("unknown condition_type %q", step.ConditionType)
		}
	case models.StepTypeAction:
		switch step.ActionType {
		case models.ActionUpdateStatus, models.ActionTagLead:
			if step.ActionValue == "" {
				return fmt.Errorf("%s action requires action_value", step.ActionType)
			}
		case models.ActionMarkQualified, models.ActionNotifyUser:
		default:
			return fmt.Errorf("unknown action_type %q", step.ActionType)
		}
	default:
		return fmt.Errorf("unknown step_type %q", step.StepType)
	}

	return nil
}
