package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign lifecycle statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Campaign represents a multi-channel outreach campaign
type Campaign struct {
	gorm.Model

	// Campaign details
	Name         string `gorm:"not null" json:"name"`
	CampaignType string `json:"campaign_type"` // cold_outreach, follow_up, reactivation
	Description  string `json:"description"`

	// Lifecycle
	Status      string     `gorm:"default:'draft';index" json:"status"` // draft, active, paused, completed
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Enabled channels
	EmailEnabled    bool `gorm:"default:false" json:"email_enabled"`
	WhatsAppEnabled bool `gorm:"default:false" json:"whatsapp_enabled"`
	LinkedInEnabled bool `gorm:"default:false" json:"linkedin_enabled"`

	// Per-channel message content
	EmailSubject    string `json:"email_subject"`
	EmailBody       string `gorm:"type:text" json:"email_body"`
	WhatsAppMessage string `gorm:"type:text" json:"whatsapp_message"`
	LinkedInMessage string `gorm:"type:text" json:"linkedin_message"`

	// Minimum spacing between outbound sends for this campaign. Zero disables pacing.
	SendIntervalSeconds int `gorm:"default:0" json:"send_interval_seconds"`

	// Statistics (denormalized for performance; always written in the same
	// transaction as the delivery row change they reflect)
	TotalLeads     int `gorm:"default:0" json:"total_leads"`
	SentCount      int `gorm:"default:0" json:"sent_count"`
	DeliveredCount int `gorm:"default:0" json:"delivered_count"`
	ReadCount      int `gorm:"default:0" json:"read_count"`
	RepliedCount   int `gorm:"default:0" json:"replied_count"`
	FailedCount    int `gorm:"default:0" json:"failed_count"`

	// Relations
	Deliveries []ChannelDelivery `gorm:"foreignKey:CampaignID" json:"deliveries,omitempty"`
}

// EnabledChannels returns the channels this campaign sends on, in a fixed order.
func (c *Campaign) EnabledChannels() []string {
	channels := make([]string, 0, 3)
	if c.EmailEnabled {
		channels = append(channels, ChannelEmail)
	}
	if c.WhatsAppEnabled {
		channels = append(channels, ChannelWhatsApp)
	}
	if c.LinkedInEnabled {
		channels = append(channels, ChannelLinkedIn)
	}
	return channels
}

// MessageForChannel returns the subject and body configured for a channel.
// Non-email channels carry no subject.
func (c *Campaign) MessageForChannel(channel string) (subject, body string) {
	switch channel {
	case ChannelEmail:
		return c.EmailSubject, c.EmailBody
	case ChannelWhatsApp:
		return "", c.WhatsAppMessage
	case ChannelLinkedIn:
		return "", c.LinkedInMessage
	}
	return "", ""
}

// SendInterval returns the configured pacing as a duration.
func (c *Campaign) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalSeconds) * time.Second
}

// IsTerminal reports whether the campaign can no longer change state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignStatusCompleted
}
