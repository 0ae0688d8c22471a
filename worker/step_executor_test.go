package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cadence/models"
	"cadence/utils"
)

// fakeMailer counts sends and can be told to fail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []utils.Email
	err  error
}

func (fm *fakeMailer) Send(email utils.Email) (string, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.err != nil {
		return "", fm.err
	}
	fm.sent = append(fm.sent, email)
	return email.MessageID, nil
}

func (fm *fakeMailer) sendCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.sent)
}

func silentLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newExecutor(db *gorm.DB, mailer utils.Mailer) *StepExecutor {
	return NewStepExecutor(db, mailer, utils.NewTemplateRenderer(), silentLogrus(), "http://localhost:5000", "test-secret")
}

type fixture struct {
	db         *gorm.DB
	sequence   models.Sequence
	lead       models.Lead
	enrollment models.Enrollment
}

// newFixture creates an active sequence with the given steps and one due
// enrollment at step 1.
func newFixture(t *testing.T, db *gorm.DB, steps ...models.SequenceStep) *fixture {
	t.Helper()

	seq := models.Sequence{Name: "fixture", Status: models.SequenceStatusActive}
	require.NoError(t, db.Create(&seq).Error)

	for i := range steps {
		steps[i].SequenceID = seq.ID
		steps[i].StepOrder = i + 1
		require.NoError(t, db.Create(&steps[i]).Error)
	}

	lead := models.Lead{Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"}
	require.NoError(t, db.Create(&lead).Error)

	due := time.Now().Add(-time.Minute)
	enrollment := models.Enrollment{
		SequenceID:       seq.ID,
		LeadID:           lead.ID,
		CurrentStepOrder: 1,
		Status:           models.EnrollmentStatusScheduled,
		NextDueAt:        &due,
		EnrolledAt:       time.Now().Add(-time.Hour),
	}
	require.NoError(t, db.Create(&enrollment).Error)

	return &fixture{db: db, sequence: seq, lead: lead, enrollment: enrollment}
}

func (f *fixture) reload(t *testing.T) models.Enrollment {
	t.Helper()
	var e models.Enrollment
	require.NoError(t, f.db.First(&e, f.enrollment.ID).Error)
	return e
}

func (f *fixture) records(t *testing.T) []models.StepExecutionRecord {
	t.Helper()
	var recs []models.StepExecutionRecord
	require.NoError(t, f.db.Where("enrollment_id = ?", f.enrollment.ID).
		Order("id ASC").Find(&recs).Error)
	return recs
}

func emailStep(subject, body string) models.SequenceStep {
	return models.SequenceStep{StepType: models.StepTypeEmail, SubjectTemplate: subject, BodyTemplate: body}
}

func TestExecuteEmailSendsAndAdvances(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	ex := newExecutor(db, mailer)

	f := newFixture(t, db,
		emailStep("Hi {{.FirstName}}", "<p>Hello {{.FullName}}</p>"),
		emailStep("Follow up", "<p>Still there?</p>"),
	)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	require.Equal(t, 1, mailer.sendCount())
	assert.Equal(t, "ada@example.com", mailer.sent[0].To)
	assert.Equal(t, "Hi Ada", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].Body, "Hello Ada Lovelace")
	assert.Contains(t, mailer.sent[0].Body, "/track/open/", "tracking pixel injected")

	got := f.reload(t)
	assert.Equal(t, 2, got.CurrentStepOrder)
	assert.Equal(t, models.EnrollmentStatusActive, got.Status)
	require.NotNil(t, got.NextDueAt)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSent, recs[0].Outcome)
	assert.True(t, recs[0].EmailSent)
	assert.NotEmpty(t, recs[0].MessageID)

	var lead models.Lead
	require.NoError(t, db.First(&lead, f.lead.ID).Error)
	assert.NotNil(t, lead.LastContact)
}

func TestExecuteEmailFailureHaltsEnrollment(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{err: errors.New("relay rejected")}
	ex := newExecutor(db, mailer)

	f := newFixture(t, db,
		emailStep("Hi", "<p>Hello</p>"),
		emailStep("Follow up", "<p>Still there?</p>"),
	)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	got := f.reload(t)
	assert.Equal(t, models.EnrollmentStatusFailed, got.Status)
	assert.Nil(t, got.NextDueAt)
	assert.Equal(t, 1, got.CurrentStepOrder, "a failed send does not advance")

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeFailed, recs[0].Outcome)
	assert.Contains(t, recs[0].ErrorMessage, "relay rejected")
}

func TestExecuteSkipsWhenSequencePaused(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	ex := newExecutor(db, mailer)

	f := newFixture(t, db, emailStep("Hi", "<p>Hello</p>"))
	require.NoError(t, db.Model(&models.Sequence{}).Where("id = ?", f.sequence.ID).
		Update("status", models.SequenceStatusPaused).Error)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	assert.Equal(t, 0, mailer.sendCount())
	got := f.reload(t)
	assert.Equal(t, models.EnrollmentStatusScheduled, got.Status)
	assert.NotNil(t, got.NextDueAt, "due item stays queued for resume")
	assert.Empty(t, f.records(t))
}

func TestExecuteSkipsStoppedEnrollment(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	ex := newExecutor(db, mailer)

	f := newFixture(t, db, emailStep("Hi", "<p>Hello</p>"))
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", f.enrollment.ID).
		Update("status", models.EnrollmentStatusStopped).Error)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	assert.Equal(t, 0, mailer.sendCount())
	assert.Empty(t, f.records(t))
}

func TestExecuteSuppressedLeadSkipsSend(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	ex := newExecutor(db, mailer)

	f := newFixture(t, db,
		emailStep("Hi", "<p>Hello</p>"),
		emailStep("Follow up", "<p>Still there?</p>"),
	)
	require.NoError(t, db.Model(&models.Lead{}).Where("id = ?", f.lead.ID).
		Update("is_unsubscribed", true).Error)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	assert.Equal(t, 0, mailer.sendCount())
	got := f.reload(t)
	assert.Equal(t, 2, got.CurrentStepOrder, "suppression skips the send but the enrollment moves on")

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSkipped, recs[0].Outcome)
	assert.False(t, recs[0].EmailSent)
}

func TestDelayStepAdvances(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeDelay, DelayDays: 1},
		emailStep("Later", "<p>Later</p>"),
	)

	before := time.Now()
	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	got := f.reload(t)
	assert.Equal(t, 2, got.CurrentStepOrder)
	require.NotNil(t, got.NextDueAt)
	assert.WithinDuration(t, before, *got.NextDueAt, time.Minute,
		"the email step itself has no delay, so it is due immediately")

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSkipped, recs[0].Outcome)
}

func TestConditionBranching(t *testing.T) {
	tests := []struct {
		name          string
		conditionType string
		seedEvent     string
		wantOutcome   string
	}{
		{"if_opened met", models.ConditionIfOpened, models.EventOpened, models.OutcomeBranchTaken},
		{"if_opened unmet", models.ConditionIfOpened, "", models.OutcomeSkipped},
		{"if_not_opened met", models.ConditionIfNotOpened, "", models.OutcomeBranchTaken},
		{"if_not_opened unmet", models.ConditionIfNotOpened, models.EventOpened, models.OutcomeSkipped},
		{"if_clicked met", models.ConditionIfClicked, models.EventClicked, models.OutcomeBranchTaken},
		{"if_clicked unmet", models.ConditionIfClicked, "", models.OutcomeSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			ex := newExecutor(db, &fakeMailer{})

			f := newFixture(t, db,
				models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: tt.conditionType},
				emailStep("Next", "<p>Next</p>"),
			)

			if tt.seedEvent != "" {
				event := models.EngagementEvent{
					EnrollmentID:    f.enrollment.ID,
					SequenceID:      f.sequence.ID,
					LeadID:          f.lead.ID,
					EventType:       tt.seedEvent,
					OccurredAt:      time.Now(),
					ProviderEventID: "evt-" + tt.name,
				}
				require.NoError(t, db.Create(&event).Error)
			}

			require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

			got := f.reload(t)
			assert.Equal(t, 2, got.CurrentStepOrder, "both branch outcomes advance by one")

			recs := f.records(t)
			require.Len(t, recs, 1)
			assert.Equal(t, tt.wantOutcome, recs[0].Outcome)
		})
	}
}

func TestConditionIfRepliedFastPath(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: models.ConditionIfReplied},
		emailStep("Next", "<p>Next</p>"),
	)

	repliedAt := time.Now()
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", f.enrollment.ID).
		Update("replied_at", repliedAt).Error)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeBranchTaken, recs[0].Outcome)
}

func TestConditionRepliedAgainAfterFollowUp(t *testing.T) {
	// replied_at only records the first reply. A lead who replied between
	// two emails and then again after the follow-up is outside the marker
	// window, so the condition must fall back to the event log.
	tests := []struct {
		name          string
		conditionType string
		wantOutcome   string
	}{
		{"if_replied", models.ConditionIfReplied, models.OutcomeBranchTaken},
		{"if_not_replied", models.ConditionIfNotReplied, models.OutcomeSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			ex := newExecutor(db, &fakeMailer{})

			f := newFixture(t, db,
				emailStep("First", "<p>First</p>"),
				emailStep("Follow up", "<p>Still there?</p>"),
				models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: tt.conditionType},
				emailStep("Next", "<p>Next</p>"),
			)
			require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", f.enrollment.ID).
				Update("current_step_order", 3).Error)

			now := time.Now()
			for order, sentAt := range map[int]time.Time{
				1: now.Add(-3 * time.Hour),
				2: now.Add(-time.Hour),
			} {
				require.NoError(t, db.Create(&models.StepExecutionRecord{
					EnrollmentID: f.enrollment.ID,
					StepOrder:    order,
					StepType:     models.StepTypeEmail,
					ExecutedAt:   sentAt,
					Outcome:      models.OutcomeSent,
					EmailSent:    true,
				}).Error)
			}

			firstReply := now.Add(-2 * time.Hour)
			require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", f.enrollment.ID).
				Update("replied_at", firstReply).Error)
			require.NoError(t, db.Create(&models.EngagementEvent{
				EnrollmentID:    f.enrollment.ID,
				SequenceID:      f.sequence.ID,
				LeadID:          f.lead.ID,
				EventType:       models.EventReplied,
				OccurredAt:      now.Add(-30 * time.Minute),
				ProviderEventID: "second-reply-" + tt.name,
			}).Error)

			require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

			recs := f.records(t)
			var conditionRec *models.StepExecutionRecord
			for i := range recs {
				if recs[i].StepType == models.StepTypeCondition {
					conditionRec = &recs[i]
				}
			}
			require.NotNil(t, conditionRec)
			assert.Equal(t, tt.wantOutcome, conditionRec.Outcome)
		})
	}
}

func TestConditionIgnoresStaleEvents(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: models.ConditionIfOpened},
		emailStep("Next", "<p>Next</p>"),
	)

	// An email was sent and opened, but the open predates it: the condition
	// only sees engagement accumulated since that send.
	sentAt := time.Now().Add(-10 * time.Minute)
	require.NoError(t, db.Create(&models.StepExecutionRecord{
		EnrollmentID: f.enrollment.ID,
		StepOrder:    0,
		StepType:     models.StepTypeEmail,
		ExecutedAt:   sentAt,
		Outcome:      models.OutcomeSent,
		EmailSent:    true,
	}).Error)
	require.NoError(t, db.Create(&models.EngagementEvent{
		EnrollmentID:    f.enrollment.ID,
		SequenceID:      f.sequence.ID,
		LeadID:          f.lead.ID,
		EventType:       models.EventOpened,
		OccurredAt:      sentAt.Add(-time.Hour),
		ProviderEventID: "stale-open",
	}).Error)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	recs := f.records(t)
	var conditionRec *models.StepExecutionRecord
	for i := range recs {
		if recs[i].StepType == models.StepTypeCondition {
			conditionRec = &recs[i]
		}
	}
	require.NotNil(t, conditionRec)
	assert.Equal(t, models.OutcomeSkipped, conditionRec.Outcome)
}

func TestActionSteps(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeAction, ActionType: models.ActionTagLead, ActionValue: "warm"},
		models.SequenceStep{StepType: models.StepTypeAction, ActionType: models.ActionMarkQualified},
		models.SequenceStep{StepType: models.StepTypeAction, ActionType: models.ActionNotifyUser, ActionValue: "check this lead"},
	)

	for i := 0; i < 3; i++ {
		require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))
	}

	var tag models.LeadTag
	require.NoError(t, db.Where("lead_id = ? AND tag = ?", f.lead.ID, "warm").First(&tag).Error)

	var lead models.Lead
	require.NoError(t, db.First(&lead, f.lead.ID).Error)
	assert.True(t, lead.IsQualified)

	var notification models.Notification
	require.NoError(t, db.Where("lead_id = ?", f.lead.ID).First(&notification).Error)
	assert.Equal(t, "check this lead", notification.Message)
}

func TestActionFailureDoesNotHalt(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	// An unknown action type can only appear through bad data; it is logged
	// and the enrollment continues.
	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeAction, ActionType: "explode"},
		emailStep("Next", "<p>Next</p>"),
	)

	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	got := f.reload(t)
	assert.Equal(t, 2, got.CurrentStepOrder)
	assert.False(t, got.IsTerminal())

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeFailed, recs[0].Outcome)
}

func TestCompletionExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeAction, ActionType: models.ActionMarkQualified},
	)

	// First execution runs the last step and completes the enrollment.
	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	got := f.reload(t)
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
	assert.Nil(t, got.NextDueAt)
	require.NotNil(t, got.CompletedAt)

	// A duplicate dequeue of the same item is a no-op.
	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	var seq models.Sequence
	require.NoError(t, db.First(&seq, f.sequence.ID).Error)
	assert.Equal(t, 1, seq.TotalCompleted, "counter bumps exactly once")
}

func TestCompletionUnderDuplicateDequeue(t *testing.T) {
	db := newTestDB(t)
	ex := newExecutor(db, &fakeMailer{})

	f := newFixture(t, db,
		models.SequenceStep{StepType: models.StepTypeDelay, DelayHours: 1},
	)

	// Simulate two overlapping scans completing the final step.
	require.NoError(t, ex.Execute(context.Background(), f.enrollment.ID))

	// Force the stale state a second dequeue would observe.
	stale := f.enrollment
	require.NoError(t, ex.completeEnrollment(&stale))

	var seq models.Sequence
	require.NoError(t, db.First(&seq, f.sequence.ID).Error)
	assert.Equal(t, 1, seq.TotalCompleted)
}
