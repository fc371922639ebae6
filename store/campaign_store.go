package store

import (
	"errors"

	"gorm.io/gorm"

	"leadflow/models"
)

// CampaignStore is the gorm-backed campaign record store.
type CampaignStore struct {
	db *gorm.DB
}

func NewCampaignStore(db *gorm.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

func (s *CampaignStore) Create(c *models.Campaign) error {
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	return s.db.Create(c).Error
}

func (s *CampaignStore) GetByID(id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *CampaignStore) List(status string, offset, limit int) ([]models.Campaign, int64, error) {
	q := s.db.Model(&models.Campaign{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var campaigns []models.Campaign
	err := q.Order("id DESC").Offset(offset).Limit(limit).Find(&campaigns).Error
	return campaigns, total, err
}

func (s *CampaignStore) ListByStatus(statuses ...string) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := s.db.Where("status IN ?", statuses).Order("id").Find(&campaigns).Error
	return campaigns, err
}

// UpdateStatusIf moves a campaign to a new lifecycle state only if it is
// currently in one of the from states. RowsAffected tells the caller whether
// this command won or a concurrent one did.
func (s *CampaignStore) UpdateStatusIf(id uint, from []string, to string, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

var _ CampaignStoreInterface = (*CampaignStore)(nil)

// LeadStore is the gorm-backed lead reader. The engine never mutates leads
// beyond creating them through the enrollment API.
type LeadStore struct {
	db *gorm.DB
}

func NewLeadStore(db *gorm.DB) *LeadStore {
	return &LeadStore{db: db}
}

func (s *LeadStore) Create(l *models.Lead) error {
	return s.db.Create(l).Error
}

func (s *LeadStore) ByID(id uint) (*models.Lead, error) {
	var l models.Lead
	if err := s.db.First(&l, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (s *LeadStore) ByIDs(ids []uint) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.Where("id IN ?", ids).Find(&leads).Error
	return leads, err
}

var _ LeadStoreInterface = (*LeadStore)(nil)
