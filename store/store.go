// Package store is the single source of truth for campaign and delivery
// state. Every status transition and every counter mutation is serialized
// through it; the dispatch workers never keep authoritative state in memory.
package store

import (
	"errors"
	"time"

	"leadflow/models"
)

var (
	// ErrNotFound is returned when a campaign, lead or delivery row does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a (campaign, lead, channel) row already exists
	ErrDuplicate = errors.New("delivery already enrolled")
	// ErrTerminalState is returned when transitioning a failed or replied row
	ErrTerminalState = errors.New("delivery is in a terminal state")
	// ErrUnknownEvent is returned for webhook events outside the taxonomy
	ErrUnknownEvent = errors.New("unknown delivery event")
)

// Provider callback events
const (
	EventDelivered = "delivered"
	EventRead      = "read"
	EventReplied   = "replied"
	EventBounced   = "bounced"
)

// eventTargetStatus maps provider callback events onto delivery statuses.
var eventTargetStatus = map[string]string{
	EventDelivered: models.DeliveryStatusDelivered,
	EventRead:      models.DeliveryStatusRead,
	EventReplied:   models.DeliveryStatusReplied,
	EventBounced:   models.DeliveryStatusFailed,
}

// TransitionOptions carries the optional fields written together with a
// status change.
type TransitionOptions struct {
	At                time.Time // event time; zero means now
	LastError         string
	ExternalMessageID string
	RetryCount        *int
	NextAttemptAt     *time.Time
}

// CounterSnapshot is the aggregate view over a campaign's delivery rows.
// The cumulative counters mirror the columns on models.Campaign: a row in
// "read" has necessarily been sent and delivered, so it counts into all three.
type CounterSnapshot struct {
	TotalRows int            `json:"total_rows"`
	ByStatus  map[string]int `json:"by_status"`

	SentCount      int `json:"sent_count"`
	DeliveredCount int `json:"delivered_count"`
	ReadCount      int `json:"read_count"`
	RepliedCount   int `json:"replied_count"`
	FailedCount    int `json:"failed_count"`
}

// NewCounterSnapshot derives the cumulative counters from raw per-status counts.
func NewCounterSnapshot(byStatus map[string]int) *CounterSnapshot {
	s := &CounterSnapshot{ByStatus: byStatus}
	for status, n := range byStatus {
		s.TotalRows += n
		for _, col := range counterColumns(status) {
			switch col {
			case "sent_count":
				s.SentCount += n
			case "delivered_count":
				s.DeliveredCount += n
			case "read_count":
				s.ReadCount += n
			case "replied_count":
				s.RepliedCount += n
			case "failed_count":
				s.FailedCount += n
			}
		}
	}
	return s
}

// counterColumns lists the campaign counter columns a row in the given status
// contributes to. Later funnel stages imply the earlier ones.
func counterColumns(status string) []string {
	switch status {
	case models.DeliveryStatusSent:
		return []string{"sent_count"}
	case models.DeliveryStatusDelivered:
		return []string{"sent_count", "delivered_count"}
	case models.DeliveryStatusRead:
		return []string{"sent_count", "delivered_count", "read_count"}
	case models.DeliveryStatusReplied:
		return []string{"sent_count", "delivered_count", "read_count", "replied_count"}
	case models.DeliveryStatusFailed:
		return []string{"failed_count"}
	}
	return nil
}

// counterDelta computes which campaign counters to increment and decrement
// when a row moves from one status to another.
func counterDelta(from, to string) (inc, dec []string) {
	fromCols := counterColumns(from)
	toCols := counterColumns(to)

	in := func(cols []string, col string) bool {
		for _, c := range cols {
			if c == col {
				return true
			}
		}
		return false
	}

	for _, col := range toCols {
		if !in(fromCols, col) {
			inc = append(inc, col)
		}
	}
	for _, col := range fromCols {
		if !in(toCols, col) {
			dec = append(dec, col)
		}
	}
	return inc, dec
}

// DeliveryStoreInterface is the delivery record store contract the engine
// runs against. The gorm implementation is authoritative; the memory
// implementation backs tests.
type DeliveryStoreInterface interface {
	// Enroll creates a queued row for one (campaign, lead, channel).
	Enroll(campaignID, leadID uint, channel string) (*models.ChannelDelivery, error)

	// EnrollLeads creates queued rows for every enabled channel of every lead
	// that has the required address and has not opted out. Returns the number
	// of rows created.
	EnrollLeads(campaign *models.Campaign, leads []models.Lead) (int, error)

	// ClaimDue atomically claims up to limit due rows for a campaign, moving
	// them queued -> sending. A row is claimed by exactly one caller.
	ClaimDue(campaignID uint, limit int) ([]models.ChannelDelivery, error)

	// Transition moves a row to a new status and applies the campaign counter
	// delta in the same transaction. Terminal rows are never transitioned.
	Transition(deliveryID uint, newStatus string, opts TransitionOptions) error

	// ApplyEvent maps a provider callback onto a forward-only transition.
	// Duplicate or out-of-order events are ignored, not errors.
	ApplyEvent(externalMessageID, event string, at time.Time) error

	// SumByCampaign recomputes the counter snapshot from the delivery rows.
	SumByCampaign(campaignID uint) (*CounterSnapshot, error)

	// Recompute writes the recomputed snapshot back onto the campaign row
	// atomically (the repair path for counter drift).
	Recompute(campaignID uint) (*CounterSnapshot, error)

	// RequeueStuck returns rows stuck in sending longer than olderThan back
	// to queued. campaignID 0 sweeps all campaigns.
	RequeueStuck(campaignID uint, olderThan time.Duration) (int64, error)

	// PendingCount counts rows still owed work (queued or sending).
	PendingCount(campaignID uint) (int64, error)

	// AwaitingReceiptCount counts sent rows on receipt-capable channels whose
	// send is newer than cutoff, i.e. rows that may still produce callbacks.
	AwaitingReceiptCount(campaignID uint, cutoff time.Time) (int64, error)

	// ByExternalMessageID resolves a provider message id to its row.
	ByExternalMessageID(externalMessageID string) (*models.ChannelDelivery, error)

	// HistoryForLead returns a lead's delivery rows for one campaign.
	HistoryForLead(campaignID, leadID uint) ([]models.ChannelDelivery, error)
}

// CampaignStoreInterface is the campaign record store contract.
type CampaignStoreInterface interface {
	Create(c *models.Campaign) error
	GetByID(id uint) (*models.Campaign, error)
	List(status string, offset, limit int) ([]models.Campaign, int64, error)
	ListByStatus(statuses ...string) ([]models.Campaign, error)

	// UpdateStatusIf conditionally moves a campaign between lifecycle states.
	// Returns false when the campaign was not in any of the from states, so
	// concurrent lifecycle commands cannot double-apply.
	UpdateStatusIf(id uint, from []string, to string, extra map[string]interface{}) (bool, error)
}

// LeadStoreInterface is the read-only lead access the engine needs.
type LeadStoreInterface interface {
	Create(l *models.Lead) error
	ByID(id uint) (*models.Lead, error)
	ByIDs(ids []uint) ([]models.Lead, error)
}
