package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/channel"
	"leadflow/config"
	"leadflow/models"
	"leadflow/store"
)

// fakeSender replays a scripted sequence of outcomes. Once the script runs
// out every send is accepted.
type fakeSender struct {
	mu     sync.Mutex
	script []error
	sent   []channel.Message
	sentAt []time.Time
}

func (f *fakeSender) Send(_ context.Context, msg channel.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	if err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	f.sentAt = append(f.sentAt, time.Now())
	return "ext-" + msg.MessageID, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		BatchSize:    10,
		MaxRetries:   5,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		SendTimeout:  time.Second,
		ClaimTimeout: time.Minute,
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  time.Hour,
	}
}

// activeEmailCampaign seeds a store with an active email campaign and n
// enrolled leads.
func activeEmailCampaign(t *testing.T, m *store.MemoryStore, n int) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:         "test outreach",
		EmailEnabled: true,
		EmailSubject: "hi",
		EmailBody:    "hello",
	}
	require.NoError(t, m.Create(c))

	for i := 0; i < n; i++ {
		lead := &models.Lead{FirstName: "L", Email: fmt.Sprintf("lead%d@example.com", i)}
		require.NoError(t, m.CreateLead(lead))
		_, err := m.Enroll(c.ID, lead.ID, models.ChannelEmail)
		require.NoError(t, err)
	}

	ok, err := m.UpdateStatusIf(c.ID, []string{models.CampaignStatusDraft}, models.CampaignStatusActive,
		map[string]interface{}{"started_at": time.Now()})
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func newTestDispatcher(m *store.MemoryStore, senders channel.Registry, cfg config.DispatchConfig) *Dispatcher {
	return NewDispatcher(m, m, m.Leads(), senders, cfg)
}

func runUntil(t *testing.T, d *Dispatcher, cond func() bool, within time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, cond, within, 5*time.Millisecond)
	cancel()
	<-done
}

func TestDispatcherSendsQueuedRows(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 5)

	sender := &fakeSender{}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, testDispatchConfig())

	runUntil(t, d, func() bool {
		camp, err := m.GetByID(c.ID)
		return err == nil && camp.SentCount == 5
	}, 2*time.Second)

	assert.Equal(t, 5, sender.sentCount())

	snap, err := m.SumByCampaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.ByStatus[models.DeliveryStatusSent])
	assert.Equal(t, 0, snap.ByStatus[models.DeliveryStatusQueued])

	// Content rendered as configured and every row got its external id.
	assert.Equal(t, "hello", sender.sent[0].Body)
	row, err := m.GetDelivery(1)
	require.NoError(t, err)
	assert.NotEmpty(t, row.ExternalMessageID)
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	sender := &fakeSender{script: []error{
		channel.Transient(errors.New("451 greylisted")),
		channel.Transient(errors.New("451 greylisted")),
		channel.Transient(errors.New("451 greylisted")),
	}}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, testDispatchConfig())

	runUntil(t, d, func() bool {
		camp, err := m.GetByID(c.ID)
		return err == nil && camp.SentCount == 1
	}, 2*time.Second)

	row, err := m.GetDelivery(1)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSent, row.Status)
	assert.Equal(t, 3, row.RetryCount)

	camp, err := m.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, camp.FailedCount)
}

func TestDispatcherPermanentErrorFailsImmediately(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	sender := &fakeSender{script: []error{
		channel.Permanent(errors.New("550 no such user")),
	}}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, testDispatchConfig())

	runUntil(t, d, func() bool {
		camp, err := m.GetByID(c.ID)
		return err == nil && camp.FailedCount == 1
	}, 2*time.Second)

	row, err := m.GetDelivery(1)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, row.Status)
	assert.Equal(t, 0, row.RetryCount)
	assert.Contains(t, row.LastError, "550")
	assert.Equal(t, 0, sender.sentCount())
}

func TestDispatcherExhaustsRetryBudget(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	cfg := testDispatchConfig()
	cfg.MaxRetries = 2

	sender := &fakeSender{script: []error{
		channel.Transient(errors.New("timeout")),
		channel.Transient(errors.New("timeout")),
		channel.Transient(errors.New("timeout")),
	}}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, cfg)

	runUntil(t, d, func() bool {
		camp, err := m.GetByID(c.ID)
		return err == nil && camp.FailedCount == 1
	}, 2*time.Second)

	row, err := m.GetDelivery(1)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, row.Status)
	assert.Equal(t, 2, row.RetryCount)
	assert.Equal(t, 0, sender.sentCount())
}

func TestDispatcherPacing(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 3)

	sender := &fakeSender{}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, testDispatchConfig())

	// The production pacing knob is whole seconds, too coarse for a test,
	// so drive the claimed batch through the limiter directly with a
	// sub-second interval.
	interval := 60 * time.Millisecond
	campaign, err := m.GetByID(c.ID)
	require.NoError(t, err)
	claimed, err := m.ClaimDue(c.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	start := time.Now()
	for i := range claimed {
		require.NoError(t, d.limiter.Acquire(context.Background(), c.ID, interval))
		d.dispatchOne(campaign, &claimed[i])
	}
	elapsed := time.Since(start)

	require.Equal(t, 3, sender.sentCount())
	assert.GreaterOrEqual(t, elapsed, 2*interval, "three sends need two full intervals between them")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i := 1; i < len(sender.sentAt); i++ {
		gap := sender.sentAt[i].Sub(sender.sentAt[i-1])
		assert.GreaterOrEqualf(t, gap, interval-10*time.Millisecond, "gap %d too small: %s", i, gap)
	}
}

func TestDispatcherPauseStopsClaiming(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 50)

	cfg := testDispatchConfig()
	cfg.BatchSize = 1

	sender := &fakeSender{}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, cfg)

	runUntil(t, d, func() bool { return sender.sentCount() >= 3 }, 2*time.Second)

	// Pause, then give the loop time to notice.
	ok, err := m.UpdateStatusIf(c.ID, []string{models.CampaignStatusActive}, models.CampaignStatusPaused, nil)
	require.NoError(t, err)
	require.True(t, ok)

	sentAtPause := sender.sentCount()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	// At most the already-claimed batch trickles out after the pause.
	assert.LessOrEqual(t, sender.sentCount(), sentAtPause+cfg.BatchSize)

	snap, err := m.SumByCampaign(c.ID)
	require.NoError(t, err)
	assert.Greater(t, snap.ByStatus[models.DeliveryStatusQueued], 0, "queued rows survive a pause")
}

func TestDispatcherCompletesReceiptlessCampaign(t *testing.T) {
	m := store.NewMemoryStore()
	c := &models.Campaign{
		Name:            "li outreach",
		LinkedInEnabled: true,
		LinkedInMessage: "hello",
	}
	require.NoError(t, m.Create(c))

	lead := &models.Lead{LinkedInURL: "https://linkedin.com/in/x"}
	require.NoError(t, m.CreateLead(lead))
	_, err := m.Enroll(c.ID, lead.ID, models.ChannelLinkedIn)
	require.NoError(t, err)

	ok, err := m.UpdateStatusIf(c.ID, []string{models.CampaignStatusDraft}, models.CampaignStatusActive, nil)
	require.NoError(t, err)
	require.True(t, ok)

	sender := &fakeSender{}
	d := newTestDispatcher(m, channel.Registry{models.ChannelLinkedIn: sender}, testDispatchConfig())

	// LinkedIn has no receipts, so the campaign completes as soon as its
	// only row is sent.
	runUntil(t, d, func() bool {
		camp, err := m.GetByID(c.ID)
		return err == nil && camp.Status == models.CampaignStatusCompleted
	}, 2*time.Second)

	camp, err := m.GetByID(c.ID)
	require.NoError(t, err)
	require.NotNil(t, camp.CompletedAt)
	assert.Equal(t, 1, camp.SentCount)
}

func TestDispatcherEmailCampaignWaitsForGrace(t *testing.T) {
	m := store.NewMemoryStore()
	c := activeEmailCampaign(t, m, 1)

	sender := &fakeSender{}
	d := newTestDispatcher(m, channel.Registry{models.ChannelEmail: sender}, testDispatchConfig())

	runUntil(t, d, func() bool {
		camp, err := m.GetByID(c.ID)
		return err == nil && camp.SentCount == 1
	}, 2*time.Second)

	// The sent row is still inside the receipt grace window, so the
	// campaign stays open for callbacks.
	camp, err := m.GetByID(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusActive, camp.Status)
}
