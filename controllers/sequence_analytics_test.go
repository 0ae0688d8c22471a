package controller_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cadence/models"
)

// seedAnalyticsFixture builds a sequence with a spread of enrollment
// outcomes: 4 enrolled, 3 contacted, 2 opened, 1 replied, 1 qualified.
func seedAnalyticsFixture(t *testing.T, db *gorm.DB) models.Sequence {
	t.Helper()

	seq := models.Sequence{Name: "funnel", Status: models.SequenceStatusActive, TotalEnrolled: 4}
	require.NoError(t, db.Create(&seq).Error)

	sentAt := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		lead := models.Lead{Email: fmt.Sprintf("lead%d@example.com", i), IsQualified: i == 0}
		require.NoError(t, db.Create(&lead).Error)

		enrollment := models.Enrollment{
			SequenceID:       seq.ID,
			LeadID:           lead.ID,
			CurrentStepOrder: i + 1,
			Status:           models.EnrollmentStatusActive,
			EnrolledAt:       sentAt.Add(-time.Hour),
		}
		require.NoError(t, db.Create(&enrollment).Error)

		// Leads 0..2 got an email; lead 3 has not been contacted yet.
		if i < 3 {
			require.NoError(t, db.Create(&models.StepExecutionRecord{
				EnrollmentID: enrollment.ID,
				StepOrder:    1,
				StepType:     models.StepTypeEmail,
				ExecutedAt:   sentAt,
				Outcome:      models.OutcomeSent,
				EmailSent:    true,
				MessageID:    fmt.Sprintf("msg-%d", i),
			}).Error)
		}

		// Leads 0 and 1 opened; lead 0 opened twice and replied.
		if i < 2 {
			require.NoError(t, db.Create(&models.EngagementEvent{
				EnrollmentID:    enrollment.ID,
				SequenceID:      seq.ID,
				LeadID:          lead.ID,
				EventType:       models.EventOpened,
				OccurredAt:      sentAt.Add(time.Hour),
				ProviderEventID: fmt.Sprintf("open-%d", i),
			}).Error)
		}
		if i == 0 {
			require.NoError(t, db.Create(&models.EngagementEvent{
				EnrollmentID:    enrollment.ID,
				SequenceID:      seq.ID,
				LeadID:          lead.ID,
				EventType:       models.EventOpened,
				OccurredAt:      sentAt.Add(2 * time.Hour),
				ProviderEventID: "open-0-again",
			}).Error)
			require.NoError(t, db.Create(&models.EngagementEvent{
				EnrollmentID:    enrollment.ID,
				SequenceID:      seq.ID,
				LeadID:          lead.ID,
				EventType:       models.EventReplied,
				OccurredAt:      sentAt.Add(3 * time.Hour),
				ProviderEventID: "reply-0",
			}).Error)
		}
	}

	return seq
}

func TestFunnelMonotonicity(t *testing.T) {
	app, db := newTestApp(t)
	seq := seedAnalyticsFixture(t, db)

	resp, body := doJSON(t, app, "GET", fmt.Sprintf("/api/v1/sequences/%d/analytics/funnel", seq.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stages := body["funnel"].([]interface{})
	require.Len(t, stages, 5)

	names := []string{"enrolled", "contacted", "opened", "replied", "qualified"}
	counts := make([]float64, len(stages))
	for i, raw := range stages {
		stage := raw.(map[string]interface{})
		assert.Equal(t, names[i], stage["stage"])
		counts[i] = stage["count"].(float64)
	}

	assert.Equal(t, []float64{4, 3, 2, 1, 1}, counts)
	for i := 1; i < len(counts)-1; i++ {
		assert.LessOrEqual(t, counts[i], counts[i-1], "funnel stages never grow")
	}

	// Percent is against total enrolled; distinct counting means the double
	// open of lead 0 does not inflate the opened stage.
	opened := stages[2].(map[string]interface{})
	assert.Equal(t, 50.0, opened["percent_of_total"])
	contacted := stages[1].(map[string]interface{})
	assert.Equal(t, 75.0, contacted["percent_of_total"])
	assert.Equal(t, 100.0, stages[0].(map[string]interface{})["conversion_from_previous"])
}

func TestTimeSeries(t *testing.T) {
	app, db := newTestApp(t)
	seq := seedAnalyticsFixture(t, db)

	resp, body := doJSON(t, app, "GET", fmt.Sprintf("/api/v1/sequences/%d/analytics/timeseries", seq.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	series := body["series"].([]interface{})
	require.NotEmpty(t, series)

	day := series[0].(map[string]interface{})
	assert.Equal(t, 3.0, day["sent"])
	assert.Equal(t, 3.0, day["opened"], "raw event counts, repeats included")
	assert.Equal(t, 1.0, day["replied"])
	assert.Equal(t, 100.0, day["open_rate"])

	best, ok := body["best_day"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, day["date"], best["date"])
}

func TestSequenceStats(t *testing.T) {
	app, db := newTestApp(t)
	seq := seedAnalyticsFixture(t, db)

	// Push one enrollment to completed for a mixed status breakdown.
	var enrollment models.Enrollment
	require.NoError(t, db.Where("sequence_id = ?", seq.ID).First(&enrollment).Error)
	require.NoError(t, db.Model(&enrollment).Update("status", models.EnrollmentStatusCompleted).Error)

	resp, body := doJSON(t, app, "GET", fmt.Sprintf("/api/v1/sequences/%d/stats", seq.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	enrollments := body["enrollments"].(map[string]interface{})
	assert.Equal(t, 4.0, enrollments["total"])
	assert.Equal(t, 3.0, enrollments["active"])
	assert.Equal(t, 1.0, enrollments["completed"])

	distribution := body["step_distribution"].([]interface{})
	assert.NotEmpty(t, distribution, "in-flight enrollments grouped by step")

	activity := body["recent_activity"].([]interface{})
	assert.Len(t, activity, 3, "one record per contacted enrollment")
}

func TestStatsForUnknownSequence(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, "GET", "/api/v1/sequences/99999/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
