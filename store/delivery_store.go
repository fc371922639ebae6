package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadflow/models"
	"leadflow/utils"
)

// DeliveryStore is the gorm-backed delivery record store. The claim and
// transition paths rely on conditional updates and row locks so that two
// concurrent dispatchers (or a dispatcher racing a webhook) never
// double-apply a change.
type DeliveryStore struct {
	db *gorm.DB
}

func NewDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

// Enroll creates a single queued delivery row. The unique index on
// (campaign_id, lead_id, channel) is the duplicate guard.
func (s *DeliveryStore) Enroll(campaignID, leadID uint, channel string) (*models.ChannelDelivery, error) {
	row := &models.ChannelDelivery{
		CampaignID: campaignID,
		LeadID:     leadID,
		Channel:    channel,
		Status:     models.DeliveryStatusQueued,
	}
	if err := s.db.Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return row, nil
}

// EnrollLeads builds the recipient roster: one queued row per lead per
// enabled channel, skipping opted-out leads and leads without the address a
// channel requires. TotalLeads is set in the same transaction.
func (s *DeliveryStore) EnrollLeads(campaign *models.Campaign, leads []models.Lead) (int, error) {
	channels := campaign.EnabledChannels()
	if len(channels) == 0 {
		return 0, nil
	}

	created := 0
	enrolledLeads := map[uint]bool{}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i := range leads {
			lead := &leads[i]
			if lead.OptedOut {
				continue
			}
			for _, ch := range channels {
				if !validAddress(ch, lead.AddressForChannel(ch)) {
					continue
				}
				row := &models.ChannelDelivery{
					CampaignID: campaign.ID,
					LeadID:     lead.ID,
					Channel:    ch,
					Status:     models.DeliveryStatusQueued,
				}
				if err := tx.Create(row).Error; err != nil {
					if errors.Is(err, gorm.ErrDuplicatedKey) {
						continue // already enrolled, idempotent
					}
					return err
				}
				created++
				enrolledLeads[lead.ID] = true
			}
		}

		if created == 0 {
			return nil
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaign.ID).
			Update("total_leads", gorm.Expr("total_leads + ?", len(enrolledLeads))).
			Error
	})
	if err != nil {
		return 0, err
	}
	campaign.TotalLeads += len(enrolledLeads)
	return created, nil
}

func validAddress(channel, address string) bool {
	if address == "" {
		return false
	}
	switch channel {
	case models.ChannelEmail:
		return utils.ValidEmailAddress(address)
	case models.ChannelWhatsApp:
		return utils.ValidPhoneNumber(address)
	}
	return true
}

// ClaimDue selects due rows and claims each with a conditional update:
// UPDATE ... WHERE id = ? AND status = 'queued' succeeds for exactly one
// caller, so a row is never dispatched twice. Losing a race is not an error,
// the loser simply gets fewer rows.
func (s *DeliveryStore) ClaimDue(campaignID uint, limit int) ([]models.ChannelDelivery, error) {
	now := time.Now()

	var candidates []models.ChannelDelivery
	err := s.db.
		Where("campaign_id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			campaignID, models.DeliveryStatusQueued, now).
		Order("id").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.ChannelDelivery, 0, len(candidates))
	for i := range candidates {
		res := s.db.Model(&models.ChannelDelivery{}).
			Where("id = ? AND status = ?", candidates[i].ID, models.DeliveryStatusQueued).
			Updates(map[string]interface{}{
				"status":     models.DeliveryStatusSending,
				"claimed_at": now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue // another claimer won this row
		}
		candidates[i].Status = models.DeliveryStatusSending
		candidates[i].ClaimedAt = &now
		claimed = append(claimed, candidates[i])
	}
	return claimed, nil
}

// Transition moves one row to a new status. The row update and the campaign
// counter delta commit in the same transaction, so a reader never observes
// counters that disagree with the rows.
func (s *DeliveryStore) Transition(deliveryID uint, newStatus string, opts TransitionOptions) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row models.ChannelDelivery
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, deliveryID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return transitionTx(tx, &row, newStatus, opts)
	})
}

func transitionTx(tx *gorm.DB, row *models.ChannelDelivery, newStatus string, opts TransitionOptions) error {
	if row.IsTerminal() {
		return ErrTerminalState
	}
	if row.Status == newStatus {
		return nil
	}

	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}

	updates := map[string]interface{}{"status": newStatus}
	switch newStatus {
	case models.DeliveryStatusQueued:
		updates["claimed_at"] = nil
		if opts.NextAttemptAt != nil {
			updates["next_attempt_at"] = *opts.NextAttemptAt
		}
	case models.DeliveryStatusSent:
		updates["sent_at"] = at
	case models.DeliveryStatusDelivered:
		updates["delivered_at"] = at
	case models.DeliveryStatusRead:
		updates["read_at"] = at
	case models.DeliveryStatusReplied:
		updates["replied_at"] = at
	case models.DeliveryStatusFailed:
		updates["failed_at"] = at
	}
	if opts.RetryCount != nil {
		updates["retry_count"] = *opts.RetryCount
	}
	if opts.ExternalMessageID != "" {
		updates["external_message_id"] = opts.ExternalMessageID
	}
	if opts.LastError != "" {
		updates["last_error"] = opts.LastError
	}

	if err := tx.Model(&models.ChannelDelivery{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return err
	}
	return applyCounterDelta(tx, row.CampaignID, row.Status, newStatus)
}

// applyCounterDelta bumps exactly the campaign counters affected by a
// from -> to move, inside the caller's transaction.
func applyCounterDelta(tx *gorm.DB, campaignID uint, from, to string) error {
	inc, dec := counterDelta(from, to)
	if len(inc) == 0 && len(dec) == 0 {
		return nil
	}

	updates := map[string]interface{}{}
	for _, col := range inc {
		updates[col] = gorm.Expr(col + " + 1")
	}
	for _, col := range dec {
		updates[col] = gorm.Expr(col + " - 1")
	}
	return tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(updates).Error
}

// ApplyEvent resolves a provider callback to its row and applies the
// forward-only transition. Events for a stage already reached or passed are
// ignored; a bounce fails the row unless it is already terminal.
func (s *DeliveryStore) ApplyEvent(externalMessageID, event string, at time.Time) error {
	target, ok := eventTargetStatus[event]
	if !ok {
		return ErrUnknownEvent
	}
	if externalMessageID == "" {
		return ErrNotFound
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var row models.ChannelDelivery
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_message_id = ?", externalMessageID).
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if row.IsTerminal() {
			return nil // duplicate callback on a finished row
		}
		if event == EventBounced {
			return transitionTx(tx, &row, models.DeliveryStatusFailed, TransitionOptions{
				At:        at,
				LastError: "bounced",
			})
		}
		if models.DeliveryStatusRank(target) <= models.DeliveryStatusRank(row.Status) {
			return nil // out-of-order or duplicate
		}
		return transitionTx(tx, &row, target, TransitionOptions{At: at})
	})
}

// SumByCampaign recomputes the counter snapshot from the rows.
func (s *DeliveryStore) SumByCampaign(campaignID uint) (*CounterSnapshot, error) {
	rows, err := s.db.Model(&models.ChannelDelivery{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byStatus := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		byStatus[status] = count
	}
	return NewCounterSnapshot(byStatus), nil
}

// Recompute writes the recomputed snapshot back to the campaign row. Used by
// the reconciler to repair any counter drift.
func (s *DeliveryStore) Recompute(campaignID uint) (*CounterSnapshot, error) {
	var snapshot *CounterSnapshot
	err := s.db.Transaction(func(tx *gorm.DB) error {
		inner := &DeliveryStore{db: tx}
		snap, err := inner.SumByCampaign(campaignID)
		if err != nil {
			return err
		}
		snapshot = snap
		return tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(map[string]interface{}{
			"sent_count":      snap.SentCount,
			"delivered_count": snap.DeliveredCount,
			"read_count":      snap.ReadCount,
			"replied_count":   snap.RepliedCount,
			"failed_count":    snap.FailedCount,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RequeueStuck returns rows stuck in sending past the dispatch timeout to
// queued. The status predicate makes the sweep idempotent: a row already
// requeued is not touched again.
func (s *DeliveryStore) RequeueStuck(campaignID uint, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	q := s.db.Model(&models.ChannelDelivery{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", models.DeliveryStatusSending, cutoff)
	if campaignID != 0 {
		q = q.Where("campaign_id = ?", campaignID)
	}

	res := q.Updates(map[string]interface{}{
		"status":          models.DeliveryStatusQueued,
		"claimed_at":      nil,
		"next_attempt_at": time.Now(),
		"last_error":      "requeued after dispatch timeout",
	})
	return res.RowsAffected, res.Error
}

func (s *DeliveryStore) PendingCount(campaignID uint) (int64, error) {
	var n int64
	err := s.db.Model(&models.ChannelDelivery{}).
		Where("campaign_id = ? AND status IN ?", campaignID,
			[]string{models.DeliveryStatusQueued, models.DeliveryStatusSending}).
		Count(&n).Error
	return n, err
}

// AwaitingReceiptCount counts sent rows that may still receive a delivery
// callback: receipt-capable channel, sent more recently than cutoff.
func (s *DeliveryStore) AwaitingReceiptCount(campaignID uint, cutoff time.Time) (int64, error) {
	receiptChannels := make([]string, 0, len(models.AllChannels))
	for _, ch := range models.AllChannels {
		if models.ChannelHasReceipts(ch) {
			receiptChannels = append(receiptChannels, ch)
		}
	}

	var n int64
	err := s.db.Model(&models.ChannelDelivery{}).
		Where("campaign_id = ? AND status = ? AND channel IN ? AND sent_at > ?",
			campaignID, models.DeliveryStatusSent, receiptChannels, cutoff).
		Count(&n).Error
	return n, err
}

func (s *DeliveryStore) ByExternalMessageID(externalMessageID string) (*models.ChannelDelivery, error) {
	var row models.ChannelDelivery
	err := s.db.Where("external_message_id = ?", externalMessageID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *DeliveryStore) HistoryForLead(campaignID, leadID uint) ([]models.ChannelDelivery, error) {
	var rows []models.ChannelDelivery
	err := s.db.
		Where("campaign_id = ? AND lead_id = ?", campaignID, leadID).
		Order("channel").
		Find(&rows).Error
	return rows, err
}

var _ DeliveryStoreInterface = (*DeliveryStore)(nil)
