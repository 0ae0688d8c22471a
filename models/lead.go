package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact enrolled into sequences. Lead lifecycle
// is owned by the surrounding CRM; the engine reads contact details and
// mutates status/qualification/tags through action steps only.
type Lead struct {
	gorm.Model
	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// Status
	Status      string `gorm:"default:'new'" json:"status"` // new, contacted, engaged, qualified, closed
	IsQualified bool   `gorm:"default:false" json:"is_qualified"`

	// Suppression flags
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContact *time.Time `json:"last_contact"`

	// Relations
	Tags []LeadTag `gorm:"foreignKey:LeadID" json:"tags,omitempty"`
}

// LeadTag is a free-form tag attached to a lead by tag_lead action steps.
type LeadTag struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Tag    string `gorm:"not null" json:"tag"`
}

// FullName returns the lead's display name.
func (l *Lead) FullName() string {
	if l.FirstName == "" {
		return l.LastName
	}
	if l.LastName == "" {
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}
