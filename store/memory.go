package store

import (
	"sort"
	"sync"
	"time"

	"leadflow/models"
)

// MemoryStore is an in-memory implementation of all three store contracts.
// A single mutex serializes every mutation, which gives it the same
// claim-once and counter-consistency guarantees as the SQL store. It backs
// the engine tests and local development without a database.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[uint]*models.Campaign
	leads      map[uint]*models.Lead
	deliveries map[uint]*models.ChannelDelivery

	nextCampaignID uint
	nextLeadID     uint
	nextDeliveryID uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  map[uint]*models.Campaign{},
		leads:      map[uint]*models.Lead{},
		deliveries: map[uint]*models.ChannelDelivery{},
	}
}

// ---- CampaignStoreInterface ----

func (m *MemoryStore) Create(c *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCampaignID++
	c.ID = m.nextCampaignID
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(id uint) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) List(status string, offset, limit int) ([]models.Campaign, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint, 0, len(m.campaigns))
	for id, c := range m.campaigns {
		if status == "" || c.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	total := int64(len(ids))
	if offset >= len(ids) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	out := make([]models.Campaign, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, *m.campaigns[id])
	}
	return out, total, nil
}

func (m *MemoryStore) ListByStatus(statuses ...string) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := map[string]bool{}
	for _, s := range statuses {
		want[s] = true
	}

	ids := make([]uint, 0, len(m.campaigns))
	for id, c := range m.campaigns {
		if want[c.Status] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]models.Campaign, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.campaigns[id])
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatusIf(id uint, from []string, to string, extra map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	matched := false
	for _, s := range from {
		if c.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	c.Status = to
	for k, v := range extra {
		switch k {
		case "started_at":
			if t, ok := v.(time.Time); ok {
				c.StartedAt = &t
			}
		case "completed_at":
			if t, ok := v.(time.Time); ok {
				c.CompletedAt = &t
			}
		}
	}
	return true, nil
}

// ---- LeadStoreInterface ----

func (m *MemoryStore) CreateLead(l *models.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLeadID++
	l.ID = m.nextLeadID
	l.CreatedAt = time.Now()
	cp := *l
	m.leads[l.ID] = &cp
	return nil
}

func (m *MemoryStore) ByID(id uint) (*models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ByIDs(ids []uint) ([]models.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Lead, 0, len(ids))
	for _, id := range ids {
		if l, ok := m.leads[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

// ---- DeliveryStoreInterface ----

func (m *MemoryStore) Enroll(campaignID, leadID uint, channel string) (*models.ChannelDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrollLocked(campaignID, leadID, channel)
}

func (m *MemoryStore) enrollLocked(campaignID, leadID uint, channel string) (*models.ChannelDelivery, error) {
	for _, d := range m.deliveries {
		if d.CampaignID == campaignID && d.LeadID == leadID && d.Channel == channel {
			return nil, ErrDuplicate
		}
	}

	m.nextDeliveryID++
	row := &models.ChannelDelivery{
		CampaignID: campaignID,
		LeadID:     leadID,
		Channel:    channel,
		Status:     models.DeliveryStatusQueued,
	}
	row.ID = m.nextDeliveryID
	row.CreatedAt = time.Now()
	m.deliveries[row.ID] = row
	cp := *row
	return &cp, nil
}

func (m *MemoryStore) EnrollLeads(campaign *models.Campaign, leads []models.Lead) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := 0
	enrolledLeads := map[uint]bool{}
	for i := range leads {
		lead := &leads[i]
		if lead.OptedOut {
			continue
		}
		for _, ch := range campaign.EnabledChannels() {
			if !validAddress(ch, lead.AddressForChannel(ch)) {
				continue
			}
			if _, err := m.enrollLocked(campaign.ID, lead.ID, ch); err != nil {
				continue
			}
			created++
			enrolledLeads[lead.ID] = true
		}
	}

	if c, ok := m.campaigns[campaign.ID]; ok {
		c.TotalLeads += len(enrolledLeads)
		campaign.TotalLeads = c.TotalLeads
	}
	return created, nil
}

func (m *MemoryStore) ClaimDue(campaignID uint, limit int) ([]models.ChannelDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ids := make([]uint, 0)
	for id, d := range m.deliveries {
		if d.CampaignID != campaignID || d.Status != models.DeliveryStatusQueued {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	claimed := make([]models.ChannelDelivery, 0, limit)
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		d := m.deliveries[id]
		d.Status = models.DeliveryStatusSending
		t := now
		d.ClaimedAt = &t
		claimed = append(claimed, *d)
	}
	return claimed, nil
}

func (m *MemoryStore) Transition(deliveryID uint, newStatus string, opts TransitionOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	return m.transitionLocked(row, newStatus, opts)
}

func (m *MemoryStore) transitionLocked(row *models.ChannelDelivery, newStatus string, opts TransitionOptions) error {
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

	from := row.Status
	row.Status = newStatus
	switch newStatus {
	case models.DeliveryStatusQueued:
		row.ClaimedAt = nil
		if opts.NextAttemptAt != nil {
			row.NextAttemptAt = opts.NextAttemptAt
		}
	case models.DeliveryStatusSent:
		row.SentAt = &at
	case models.DeliveryStatusDelivered:
		row.DeliveredAt = &at
	case models.DeliveryStatusRead:
		row.ReadAt = &at
	case models.DeliveryStatusReplied:
		row.RepliedAt = &at
	case models.DeliveryStatusFailed:
		row.FailedAt = &at
	}
	if opts.RetryCount != nil {
		row.RetryCount = *opts.RetryCount
	}
	if opts.ExternalMessageID != "" {
		row.ExternalMessageID = opts.ExternalMessageID
	}
	if opts.LastError != "" {
		row.LastError = opts.LastError
	}

	if c, ok := m.campaigns[row.CampaignID]; ok {
		inc, dec := counterDelta(from, newStatus)
		for _, col := range inc {
			m.bumpCounter(c, col, 1)
		}
		for _, col := range dec {
			m.bumpCounter(c, col, -1)
		}
	}
	return nil
}

func (m *MemoryStore) bumpCounter(c *models.Campaign, col string, delta int) {
	switch col {
	case "sent_count":
		c.SentCount += delta
	case "delivered_count":
		c.DeliveredCount += delta
	case "read_count":
		c.ReadCount += delta
	case "replied_count":
		c.RepliedCount += delta
	case "failed_count":
		c.FailedCount += delta
	}
}

func (m *MemoryStore) ApplyEvent(externalMessageID, event string, at time.Time) error {
	target, ok := eventTargetStatus[event]
	if !ok {
		return ErrUnknownEvent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var row *models.ChannelDelivery
	for _, d := range m.deliveries {
		if d.ExternalMessageID == externalMessageID && externalMessageID != "" {
			row = d
			break
		}
	}
	if row == nil {
		return ErrNotFound
	}

	if row.IsTerminal() {
		return nil
	}
	if event == EventBounced {
		return m.transitionLocked(row, models.DeliveryStatusFailed, TransitionOptions{At: at, LastError: "bounced"})
	}
	if models.DeliveryStatusRank(target) <= models.DeliveryStatusRank(row.Status) {
		return nil
	}
	return m.transitionLocked(row, target, TransitionOptions{At: at})
}

func (m *MemoryStore) SumByCampaign(campaignID uint) (*CounterSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumLocked(campaignID), nil
}

func (m *MemoryStore) sumLocked(campaignID uint) *CounterSnapshot {
	byStatus := map[string]int{}
	for _, d := range m.deliveries {
		if d.CampaignID == campaignID {
			byStatus[d.Status]++
		}
	}
	return NewCounterSnapshot(byStatus)
}

func (m *MemoryStore) Recompute(campaignID uint) (*CounterSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.sumLocked(campaignID)
	if c, ok := m.campaigns[campaignID]; ok {
		c.SentCount = snap.SentCount
		c.DeliveredCount = snap.DeliveredCount
		c.ReadCount = snap.ReadCount
		c.RepliedCount = snap.RepliedCount
		c.FailedCount = snap.FailedCount
	}
	return snap, nil
}

func (m *MemoryStore) RequeueStuck(campaignID uint, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, d := range m.deliveries {
		if campaignID != 0 && d.CampaignID != campaignID {
			continue
		}
		if d.Status != models.DeliveryStatusSending || d.ClaimedAt == nil || !d.ClaimedAt.Before(cutoff) {
			continue
		}
		d.Status = models.DeliveryStatusQueued
		d.ClaimedAt = nil
		now := time.Now()
		d.NextAttemptAt = &now
		d.LastError = "requeued after dispatch timeout"
		n++
	}
	return n, nil
}

func (m *MemoryStore) PendingCount(campaignID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, d := range m.deliveries {
		if d.CampaignID == campaignID && d.IsPending() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AwaitingReceiptCount(campaignID uint, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, d := range m.deliveries {
		if d.CampaignID != campaignID || d.Status != models.DeliveryStatusSent {
			continue
		}
		if !models.ChannelHasReceipts(d.Channel) {
			continue
		}
		if d.SentAt != nil && d.SentAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ByExternalMessageID(externalMessageID string) (*models.ChannelDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deliveries {
		if d.ExternalMessageID == externalMessageID && externalMessageID != "" {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) HistoryForLead(campaignID, leadID uint) ([]models.ChannelDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ChannelDelivery, 0)
	for _, d := range m.deliveries {
		if d.CampaignID == campaignID && d.LeadID == leadID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// GetDelivery returns a copy of one row, a convenience for tests.
func (m *MemoryStore) GetDelivery(id uint) (*models.ChannelDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// SetClaimedAt backdates a row's claim time. Test hook for exercising the
// stuck-row sweep.
func (m *MemoryStore) SetClaimedAt(deliveryID uint, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[deliveryID]; ok {
		d.ClaimedAt = &at
	}
}

// SetSentCount overwrites a campaign's stored sent counter. Test hook for
// simulating counter drift.
func (m *MemoryStore) SetSentCount(campaignID uint, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[campaignID]; ok {
		c.SentCount = n
	}
}

// Leads exposes the lead half of the store under the LeadStoreInterface
// method set. The campaign Create method occupies the name on MemoryStore
// itself, so the lead one lives behind a thin adapter.
func (m *MemoryStore) Leads() LeadStoreInterface { return memoryLeadStore{m} }

type memoryLeadStore struct{ *MemoryStore }

func (s memoryLeadStore) Create(l *models.Lead) error { return s.CreateLead(l) }

var (
	_ DeliveryStoreInterface = (*MemoryStore)(nil)
	_ CampaignStoreInterface = (*MemoryStore)(nil)
	_ LeadStoreInterface     = memoryLeadStore{}
)
