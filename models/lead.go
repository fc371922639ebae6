package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact. The dispatch engine treats leads as
// read-only: enrollment reads addresses and the opt-out flag, nothing here is
// written by the engine.
type Lead struct {
	gorm.Model

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`

	// Contact addresses, one per channel
	Email       string `gorm:"index" json:"email"`
	Phone       string `json:"phone"`        // WhatsApp number, E.164
	LinkedInURL string `json:"linkedin_url"` // profile handle

	// A lead that opted out is never enrolled on any channel
	OptedOut bool `gorm:"default:false" json:"opted_out"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	Deliveries []ChannelDelivery `gorm:"foreignKey:LeadID" json:"deliveries,omitempty"`
}

// AddressForChannel returns the contact address required by a channel, or ""
// when the lead has none. A lead without the address is never enrolled for
// that channel.
func (l *Lead) AddressForChannel(channel string) string {
	switch channel {
	case ChannelEmail:
		return l.Email
	case ChannelWhatsApp:
		return l.Phone
	case ChannelLinkedIn:
		return l.LinkedInURL
	}
	return ""
}

// FullName is used for message addressing in provider payloads.
func (l *Lead) FullName() string {
	if l.FirstName == "" {
		return l.LastName
	}
	if l.LastName == "" {
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}
