package utils

import (
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cadence/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func newIngestorFixture(t *testing.T) (*EventIngestor, models.Enrollment) {
	t.Helper()
	db := newTestDB(t)

	seq := models.Sequence{Name: "events", Status: models.SequenceStatusActive}
	require.NoError(t, db.Create(&seq).Error)
	lead := models.Lead{Email: "grace@example.com"}
	require.NoError(t, db.Create(&lead).Error)
	enrollment := models.Enrollment{
		SequenceID: seq.ID,
		LeadID:     lead.ID,
		Status:     models.EnrollmentStatusActive,
		EnrolledAt: time.Now(),
	}
	require.NoError(t, db.Create(&enrollment).Error)

	return NewEventIngestor(db, log.New(io.Discard, "", 0)), enrollment
}

func TestIngestDeduplicatesByProviderEventID(t *testing.T) {
	ingestor, enrollment := newIngestorFixture(t)

	first, err := ingestor.Ingest(enrollment.ID, models.EventOpened, time.Now(), "sg-123")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := ingestor.Ingest(enrollment.ID, models.EventOpened, time.Now(), "sg-123")
	assert.ErrorIs(t, err, models.ErrDuplicateEvent)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, ingestor.DB.Model(&models.EngagementEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestRepliedStampsEnrollmentOnce(t *testing.T) {
	ingestor, enrollment := newIngestorFixture(t)

	firstReply := time.Now().Add(-time.Hour)
	_, err := ingestor.Ingest(enrollment.ID, models.EventReplied, firstReply, "reply-1")
	require.NoError(t, err)

	var got models.Enrollment
	require.NoError(t, ingestor.DB.First(&got, enrollment.ID).Error)
	require.NotNil(t, got.RepliedAt)
	assert.Equal(t, firstReply.Unix(), got.RepliedAt.Unix())

	// A later reply does not move the marker.
	_, err = ingestor.Ingest(enrollment.ID, models.EventReplied, time.Now(), "reply-2")
	require.NoError(t, err)

	require.NoError(t, ingestor.DB.First(&got, enrollment.ID).Error)
	assert.Equal(t, firstReply.Unix(), got.RepliedAt.Unix())
}

func TestIngestRejectsUnknownEnrollment(t *testing.T) {
	ingestor, _ := newIngestorFixture(t)

	_, err := ingestor.Ingest(99999, models.EventOpened, time.Now(), "orphan")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIngestRejectsUnknownEventType(t *testing.T) {
	ingestor, enrollment := newIngestorFixture(t)

	_, err := ingestor.Ingest(enrollment.ID, "bounced", time.Now(), "evt-x")
	assert.Error(t, err)
}

func TestIngestByLead(t *testing.T) {
	ingestor, enrollment := newIngestorFixture(t)

	event, err := ingestor.IngestByLead(enrollment.SequenceID, enrollment.LeadID, models.EventClicked, time.Now(), "click-1")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ID, event.EnrollmentID)

	_, err = ingestor.IngestByLead(enrollment.SequenceID, 99999, models.EventClicked, time.Now(), "click-2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIngestByMessageID(t *testing.T) {
	ingestor, enrollment := newIngestorFixture(t)

	record := models.StepExecutionRecord{
		EnrollmentID: enrollment.ID,
		StepOrder:    1,
		StepType:     models.StepTypeEmail,
		ExecutedAt:   time.Now(),
		Outcome:      models.OutcomeSent,
		EmailSent:    true,
		MessageID:    "abc-123",
	}
	require.NoError(t, ingestor.DB.Create(&record).Error)

	event, err := ingestor.IngestByMessageID("abc-123", models.EventReplied, time.Now(), "imap:xyz")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ID, event.EnrollmentID)

	_, err = ingestor.IngestByMessageID("never-sent", models.EventReplied, time.Now(), "imap:zzz")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
