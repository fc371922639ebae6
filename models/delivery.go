package models

import (
	"time"

	"gorm.io/gorm"
)

// Channels a campaign can send on
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
	ChannelLinkedIn = "linkedin"
)

// AllChannels lists every supported channel.
var AllChannels = []string{ChannelEmail, ChannelWhatsApp, ChannelLinkedIn}

// Delivery lifecycle statuses. A row moves forward through
// queued -> sending -> sent -> delivered -> read -> replied, with a parallel
// terminal "failed" branch.
const (
	DeliveryStatusQueued    = "queued"
	DeliveryStatusSending   = "sending"
	DeliveryStatusSent      = "sent"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusRead      = "read"
	DeliveryStatusReplied   = "replied"
	DeliveryStatusFailed    = "failed"
)

// deliveryStatusRank orders the forward progression. Failed is outside the
// ordering; it is reachable from any non-terminal stage and terminal.
var deliveryStatusRank = map[string]int{
	DeliveryStatusQueued:    0,
	DeliveryStatusSending:   1,
	DeliveryStatusSent:      2,
	DeliveryStatusDelivered: 3,
	DeliveryStatusRead:      4,
	DeliveryStatusReplied:   5,
}

// DeliveryStatusRank returns the position of a status on the forward
// progression, or -1 for failed/unknown statuses.
func DeliveryStatusRank(status string) int {
	if rank, ok := deliveryStatusRank[status]; ok {
		return rank
	}
	return -1
}

// ChannelDelivery is one unit of work and of history: one row per
// campaign x lead x channel. Campaign counters are always a pure function
// over these rows.
type ChannelDelivery struct {
	gorm.Model
	CampaignID uint   `gorm:"not null;uniqueIndex:idx_campaign_lead_channel" json:"campaign_id"`
	LeadID     uint   `gorm:"not null;uniqueIndex:idx_campaign_lead_channel" json:"lead_id"`
	Channel    string `gorm:"not null;uniqueIndex:idx_campaign_lead_channel" json:"channel"`

	Status        string     `gorm:"default:'queued';index" json:"status"`
	RetryCount    int        `gorm:"default:0" json:"retry_count"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	ClaimedAt     *time.Time `json:"claimed_at"`

	// ExternalMessageID is the provider-assigned id used to correlate
	// delivery/read/reply callbacks back to this row.
	ExternalMessageID string `gorm:"index" json:"external_message_id"`
	LastError         string `json:"last_error"`

	// Timestamps for each stage reached
	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	FailedAt    *time.Time `json:"failed_at"`

	// Relations
	Campaign Campaign `json:"-"`
	Lead     Lead     `json:"-"`
}

// IsTerminal reports whether the row is immutable: failed rows stay failed,
// replied rows have completed the whole funnel.
func (d *ChannelDelivery) IsTerminal() bool {
	return d.Status == DeliveryStatusFailed || d.Status == DeliveryStatusReplied
}

// IsPending reports whether the dispatcher still owes this row work.
func (d *ChannelDelivery) IsPending() bool {
	return d.Status == DeliveryStatusQueued || d.Status == DeliveryStatusSending
}

// ChannelHasReceipts reports whether a channel's provider confirms delivery.
// LinkedIn messaging gives no delivery confirmation, so a "sent" row on that
// channel is effectively complete.
func ChannelHasReceipts(channel string) bool {
	return channel != ChannelLinkedIn
}
