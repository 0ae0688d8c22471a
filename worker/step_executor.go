package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
)

// StepExecutor processes one due enrollment at a time: it evaluates the
// current step, performs its side effect, appends the execution record and
// advances or halts the enrollment. Callers must hold the enrollment lease.
type StepExecutor struct {
	DB             *gorm.DB
	Mailer         utils.Mailer
	Renderer       utils.Renderer
	Logger         *logrus.Logger
	TrackingURL    string
	TrackingSecret string
}

func NewStepExecutor(db *gorm.DB, mailer utils.Mailer, renderer utils.Renderer, logger *logrus.Logger, trackingURL, trackingSecret string) *StepExecutor {
	return &StepExecutor{
		DB:             db,
		Mailer:         mailer,
		Renderer:       renderer,
		Logger:         logger,
		TrackingURL:    trackingURL,
		TrackingSecret: trackingSecret,
	}
}

// Execute runs the due step of an enrollment. State is reloaded fresh here
// rather than trusted from the scan: pause and unenroll must win races
// against an already-dequeued item.
func (ex *StepExecutor) Execute(ctx context.Context, enrollmentID uint) error {
	var enrollment models.Enrollment
	if err := ex.DB.First(&enrollment, enrollmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if enrollment.IsTerminal() || enrollment.NextDueAt == nil {
		return nil
	}

	var sequence models.Sequence
	if err := ex.DB.First(&sequence, enrollment.SequenceID).Error; err != nil {
		return err
	}
	if sequence.Status != models.SequenceStatusActive {
		// Lazy pause: the due item stays queued and fires after resume.
		return nil
	}

	var step models.SequenceStep
	err := ex.DB.Where("sequence_id = ? AND step_order = ?", enrollment.SequenceID, enrollment.CurrentStepOrder).
		First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Past the last step.
			return ex.completeEnrollment(&enrollment)
		}
		return err
	}

	log := ex.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"sequence_id":   enrollment.SequenceID,
		"step_order":    step.StepOrder,
		"step_type":     step.StepType,
	})

	switch step.StepType {
	case models.StepTypeEmail:
		return ex.executeEmail(ctx, &enrollment, &step, log)
	case models.StepTypeDelay:
		// No side effect; the wait already happened in the due time.
		ex.record(&enrollment, &step, models.OutcomeSkipped, "", false, "")
		return ex.advance(&enrollment, &step, time.Now())
	case models.StepTypeCondition:
		return ex.executeCondition(&enrollment, &step, log)
	case models.StepTypeAction:
		return ex.executeAction(&enrollment, &step, log)
	default:
		log.Warnf("Unknown step type %q, skipping", step.StepType)
		ex.record(&enrollment, &step, models.OutcomeSkipped, "unknown step type", false, "")
		return ex.advance(&enrollment, &step, time.Now())
	}
}

func (ex *StepExecutor) executeEmail(ctx context.Context, enrollment *models.Enrollment, step *models.SequenceStep, log *logrus.Entry) error {
	// Recheck right before the side effect to close the race between
	// "was due" and "got unenrolled".
	var current string
	if err := ex.DB.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Pluck("status", &current).Error; err != nil {
		return err
	}
	if current != models.EnrollmentStatusScheduled && current != models.EnrollmentStatusActive {
		log.Infof("Enrollment no longer active (%s), skipping send", current)
		return nil
	}

	var lead models.Lead
	if err := ex.DB.First(&lead, enrollment.LeadID).Error; err != nil {
		return err
	}

	if lead.IsBounced || lead.IsUnsubscribed || lead.IsDoNotContact {
		log.Info("Lead is suppressed, skipping send")
		ex.record(enrollment, step, models.OutcomeSkipped, "lead suppressed", false, "")
		return ex.advance(enrollment, step, time.Now())
	}

	subject, body, err := ex.Renderer.Render(step.SubjectTemplate, step.BodyTemplate, &lead)
	if err != nil {
		return ex.failEnrollment(enrollment, step, fmt.Errorf("render: %w", err), log)
	}

	messageID := uuid.New().String()
	trackedBody := utils.InjectTracking(body, ex.TrackingURL, messageID, ex.TrackingSecret)

	returnedID, err := ex.Mailer.Send(utils.Email{
		To:        lead.Email,
		Subject:   subject,
		Body:      trackedBody,
		MessageID: messageID,
	})
	if err != nil {
		// A failed send halts the sequence for this lead; later steps may
		// assume the email went out.
		return ex.failEnrollment(enrollment, step, fmt.Errorf("%w: %v", models.ErrDeliveryFailure, err), log)
	}
	if returnedID != "" {
		messageID = returnedID
	}

	ex.record(enrollment, step, models.OutcomeSent, "", true, messageID)

	if err := ex.DB.Model(&models.Lead{}).Where("id = ?", lead.ID).
		Update("last_contact", time.Now()).Error; err != nil {
		log.Warnf("Failed to stamp last_contact: %v", err)
	}

	log.Infof("Email sent to %s", lead.Email)
	return ex.advance(enrollment, step, time.Now())
}

func (ex *StepExecutor) executeCondition(enrollment *models.Enrollment, step *models.SequenceStep, log *logrus.Entry) error {
	met, err := ex.evaluateCondition(enrollment, step)
	if err != nil {
		return err
	}

	outcome := models.OutcomeSkipped
	if met {
		outcome = models.OutcomeBranchTaken
	}
	log.Infof("Condition %s evaluated to %t", step.ConditionType, met)

	// A false condition falls through linearly: it gates continuation but
	// does not redirect to an alternate path.
	ex.record(enrollment, step, outcome, "", false, "")
	return ex.advance(enrollment, step, time.Now())
}

// evaluateCondition checks the engagement log for events accumulated since
// the previous email step fired.
func (ex *StepExecutor) evaluateCondition(enrollment *models.Enrollment, step *models.SequenceStep) (bool, error) {
	since, err := ex.previousEmailAt(enrollment, step.StepOrder)
	if err != nil {
		return false, err
	}

	switch step.ConditionType {
	case models.ConditionIfReplied, models.ConditionIfNotReplied:
		// Fast path via the enrollment-level replied_at marker. The marker
		// only records the first reply, so a miss still has to consult the
		// event log before concluding the lead stayed silent.
		var fresh models.Enrollment
		if err := ex.DB.Select("replied_at").First(&fresh, enrollment.ID).Error; err != nil {
			return false, err
		}
		replied := fresh.RepliedAt != nil && fresh.RepliedAt.After(since)
		if !replied {
			count, err := ex.countEvents(enrollment.ID, models.EventReplied, since)
			if err != nil {
				return false, err
			}
			replied = count > 0
		}
		if step.ConditionType == models.ConditionIfReplied {
			return replied, nil
		}
		return !replied, nil

	case models.ConditionIfOpened, models.ConditionIfNotOpened:
		count, err := ex.countEvents(enrollment.ID, models.EventOpened, since)
		if err != nil {
			return false, err
		}
		if step.ConditionType == models.ConditionIfOpened {
			return count > 0, nil
		}
		return count == 0, nil

	case models.ConditionIfClicked:
		count, err := ex.countEvents(enrollment.ID, models.EventClicked, since)
		if err != nil {
			return false, err
		}
		return count > 0, nil
	}

	return false, fmt.Errorf("unknown condition type %q", step.ConditionType)
}

// previousEmailAt returns when the most recent email before stepOrder was
// sent, falling back to the enrollment time when no email fired yet.
func (ex *StepExecutor) previousEmailAt(enrollment *models.Enrollment, stepOrder int) (time.Time, error) {
	var record models.StepExecutionRecord
	err := ex.DB.Where("enrollment_id = ? AND step_type = ? AND outcome = ? AND step_order < ?",
		enrollment.ID, models.StepTypeEmail, models.OutcomeSent, stepOrder).
		Order("executed_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return enrollment.EnrolledAt, nil
		}
		return time.Time{}, err
	}
	return record.ExecutedAt, nil
}

func (ex *StepExecutor) countEvents(enrollmentID uint, eventType string, since time.Time) (int64, error) {
	var count int64
	err := ex.DB.Model(&models.EngagementEvent{}).
		Where("enrollment_id = ? AND event_type = ? AND occurred_at > ?", enrollmentID, eventType, since).
		Count(&count).Error
	return count, err
}

func (ex *StepExecutor) executeAction(enrollment *models.Enrollment, step *models.SequenceStep, log *logrus.Entry) error {
	// Recheck for unenrollment before mutating the lead.
	var current string
	if err := ex.DB.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Pluck("status", &current).Error; err != nil {
		return err
	}
	if current != models.EnrollmentStatusScheduled && current != models.EnrollmentStatusActive {
		return nil
	}

	if err := ex.applyAction(enrollment, step); err != nil {
		// Actions are best-effort annotations, not flow control.
		log.Warnf("Action %s failed: %v", step.ActionType, err)
		ex.record(enrollment, step, models.OutcomeFailed, err.Error(), false, "")
	} else {
		log.Infof("Action %s applied", step.ActionType)
		ex.record(enrollment, step, models.OutcomeSent, "", false, "")
	}

	return ex.advance(enrollment, step, time.Now())
}

func (ex *StepExecutor) applyAction(enrollment *models.Enrollment, step *models.SequenceStep) error {
	switch step.ActionType {
	case models.ActionUpdateStatus:
		return ex.DB.Model(&models.Lead{}).Where("id = ?", enrollment.LeadID).
			Update("status", step.ActionValue).Error
	case models.ActionMarkQualified:
		return ex.DB.Model(&models.Lead{}).Where("id = ?", enrollment.LeadID).
			Update("is_qualified", true).Error
	case models.ActionTagLead:
		tag := models.LeadTag{LeadID: enrollment.LeadID, Tag: step.ActionValue}
		return ex.DB.Where("lead_id = ? AND tag = ?", enrollment.LeadID, step.ActionValue).
			FirstOrCreate(&tag).Error
	case models.ActionNotifyUser:
		message := step.ActionValue
		if message == "" {
			message = fmt.Sprintf("Lead %d reached step %d of sequence %d",
				enrollment.LeadID, step.StepOrder, enrollment.SequenceID)
		}
		return ex.DB.Create(&models.Notification{
			LeadID:     enrollment.LeadID,
			SequenceID: enrollment.SequenceID,
			Message:    message,
		}).Error
	}
	return fmt.Errorf("%w: unknown action type %q", models.ErrActionFailure, step.ActionType)
}

// record appends a StepExecutionRecord; the history is append-only and a
// write failure must not halt execution.
func (ex *StepExecutor) record(enrollment *models.Enrollment, step *models.SequenceStep, outcome, errorMessage string, emailSent bool, messageID string) {
	rec := models.StepExecutionRecord{
		EnrollmentID: enrollment.ID,
		StepOrder:    step.StepOrder,
		StepType:     step.StepType,
		ExecutedAt:   time.Now(),
		Outcome:      outcome,
		ErrorMessage: errorMessage,
		EmailSent:    emailSent,
		MessageID:    messageID,
	}
	if err := ex.DB.Create(&rec).Error; err != nil {
		ex.Logger.WithField("enrollment_id", enrollment.ID).
			Errorf("Failed to append execution record: %v", err)
	}
}

// advance moves the enrollment to the step after executed, or completes it
// when no further step exists. The status guard keeps a concurrently
// stopped enrollment stopped.
func (ex *StepExecutor) advance(enrollment *models.Enrollment, executed *models.SequenceStep, completedAt time.Time) error {
	nextOrder := executed.StepOrder + 1

	var next models.SequenceStep
	err := ex.DB.Where("sequence_id = ? AND step_order = ?", enrollment.SequenceID, nextOrder).
		First(&next).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ex.completeEnrollment(enrollment)
		}
		return err
	}

	due := NextDue(completedAt, &next)
	return ex.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", enrollment.ID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Updates(map[string]interface{}{
			"current_step_order": nextOrder,
			"next_due_at":        due,
			"status":             models.EnrollmentStatusActive,
		}).Error
}

// completeEnrollment finishes an enrollment exactly once: the guarded
// update decides the winner under duplicate dequeue, and only the winner
// bumps the sequence counter.
func (ex *StepExecutor) completeEnrollment(enrollment *models.Enrollment) error {
	res := ex.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", enrollment.ID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentStatusCompleted,
			"completed_at": time.Now(),
			"next_due_at":  nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	ex.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"sequence_id":   enrollment.SequenceID,
	}).Info("Enrollment completed")

	return ex.DB.Model(&models.Sequence{}).Where("id = ?", enrollment.SequenceID).
		UpdateColumn("total_completed", gorm.Expr("total_completed + ?", 1)).Error
}

// failEnrollment records a terminal delivery failure for the lead.
func (ex *StepExecutor) failEnrollment(enrollment *models.Enrollment, step *models.SequenceStep, cause error, log *logrus.Entry) error {
	log.Errorf("Email step failed: %v", cause)
	sentry.CaptureException(cause)

	ex.record(enrollment, step, models.OutcomeFailed, cause.Error(), false, "")

	return ex.DB.Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", enrollment.ID,
			[]string{models.EnrollmentStatusScheduled, models.EnrollmentStatusActive}).
		Updates(map[string]interface{}{
			"status":      models.EnrollmentStatusFailed,
			"next_due_at": nil,
		}).Error
}
