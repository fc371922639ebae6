package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/models"
	"leadflow/store"
)

func TestSweepRequeuesStuckRows(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 2)

	claimed, err := m.ClaimDue(c.ID, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// One claim predates a crashed dispatcher.
	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusQueued, store.TransitionOptions{}))
	reclaimed, err := m.ClaimDue(c.ID, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	m.SetClaimedAt(reclaimed[0].ID, old)

	cfg := testDispatchConfig()
	r := NewReconciler(m, m, cfg)
	r.Sweep()

	row, err := m.GetDelivery(reclaimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusQueued, row.Status)

	// The fresh claim is untouched.
	row, err = m.GetDelivery(claimed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSending, row.Status)
}

func TestSweepRepairsCounterDrift(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	claimed, err := m.ClaimDue(c.ID, 1)
	require.NoError(t, err)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusSent, store.TransitionOptions{}))

	m.SetSentCount(c.ID, 42)

	r := NewReconciler(m, m, testDispatchConfig())
	r.Sweep()

	got, err := m.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentCount)
}

func TestSweepCompletesPausedCampaignPastGrace(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	claimed, err := m.ClaimDue(c.ID, 1)
	require.NoError(t, err)
	// Sent long before the grace window.
	sentAt := time.Now().Add(-100 * time.Hour)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusSent, store.TransitionOptions{At: sentAt}))

	ok, err := m.UpdateStatusIf(c.ID, []string{models.CampaignStatusActive}, models.CampaignStatusPaused, nil)
	require.NoError(t, err)
	require.True(t, ok)

	cfg := testDispatchConfig()
	cfg.GracePeriod = 72 * time.Hour
	r := NewReconciler(m, m, cfg)
	r.Sweep()

	got, err := m.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestSweepLeavesOpenCampaignsAlone(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 2)

	r := NewReconciler(m, m, testDispatchConfig())
	r.Sweep()

	got, err := m.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusActive, got.Status)
}

func TestReconcilerReport(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	claimed, err := m.ClaimDue(c.ID, 1)
	require.NoError(t, err)
	require.NoError(t, m.Transition(claimed[0].ID, models.DeliveryStatusSent, store.TransitionOptions{}))

	r := NewReconciler(m, m, testDispatchConfig())

	report, err := r.Report()
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, c.ID, report[0].CampaignID)
	assert.False(t, report[0].Drift)
	assert.Equal(t, 1, report[0].Recomputed.SentCount)

	m.SetSentCount(c.ID, 42)
	report, err = r.Report()
	require.NoError(t, err)
	assert.True(t, report[0].Drift)
	assert.Equal(t, 42, report[0].Stored["sent_count"])
}

func TestExtractMessageID(t *testing.T) {
	assert.Equal(t, "abc-123", extractMessageID("<abc-123@mail.example.com>"))
	assert.Equal(t, "abc-123", extractMessageID("abc-123"))
	assert.Equal(t, "", extractMessageID(""))
}
