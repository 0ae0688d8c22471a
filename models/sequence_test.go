package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), (&SequenceStep{}).Delay())
	assert.Equal(t, 48*time.Hour, (&SequenceStep{DelayDays: 2}).Delay())
	assert.Equal(t, 26*time.Hour, (&SequenceStep{DelayDays: 1, DelayHours: 2}).Delay())
}

func TestSequenceIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		SequenceStatusDraft:     false,
		SequenceStatusActive:    false,
		SequenceStatusPaused:    false,
		SequenceStatusArchived:  true,
		SequenceStatusCompleted: true,
	} {
		assert.Equal(t, terminal, (&Sequence{Status: status}).IsTerminal(), status)
	}
}

func TestEnrollmentIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		EnrollmentStatusScheduled: false,
		EnrollmentStatusActive:    false,
		EnrollmentStatusCompleted: true,
		EnrollmentStatusFailed:    true,
		EnrollmentStatusSkipped:   true,
		EnrollmentStatusStopped:   true,
	} {
		assert.Equal(t, terminal, (&Enrollment{Status: status}).IsTerminal(), status)
	}
}

func TestLeadFullName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", (&Lead{FirstName: "Ada", LastName: "Lovelace"}).FullName())
	assert.Equal(t, "Ada", (&Lead{FirstName: "Ada"}).FullName())
	assert.Equal(t, "Lovelace", (&Lead{LastName: "Lovelace"}).FullName())
	assert.Equal(t, "", (&Lead{}).FullName())
}
