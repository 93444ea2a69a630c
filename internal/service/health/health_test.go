package health

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/pkg/logger"
)

type fakeChannelRepo struct {
	mu       sync.Mutex
	statuses []model.ChannelStatus
	health   []model.ChannelHealth
}

func (f *fakeChannelRepo) Get(context.Context, uuid.UUID) (*model.Channel, error) { return nil, nil }
func (f *fakeChannelRepo) ListSendable(context.Context) ([]*model.Channel, error) { return nil, nil }
func (f *fakeChannelRepo) UpdateStatus(_ context.Context, _ uuid.UUID, status model.ChannelStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}
func (f *fakeChannelRepo) UpdateHealth(_ context.Context, _ uuid.UUID, h model.ChannelHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, h)
	return nil
}
func (f *fakeChannelRepo) RecordUsage(context.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakeChannelRepo) UsageCountSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeChannelRepo) lastStatus() (model.ChannelStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return "", false
	}
	return f.statuses[len(f.statuses)-1], true
}

type fakeCampaignRepo struct {
	mu      sync.Mutex
	running []*model.Campaign
	paused  []uuid.UUID
}

func (f *fakeCampaignRepo) Get(context.Context, uuid.UUID) (*model.Campaign, error) {
	return nil, nil
}
func (f *fakeCampaignRepo) ListByStatus(context.Context, model.CampaignStatus) ([]*model.Campaign, error) {
	return nil, nil
}
func (f *fakeCampaignRepo) ListByChannelAndStatus(_ context.Context, _ uuid.UUID, status model.CampaignStatus) ([]*model.Campaign, error) {
	if status != model.CampaignStatusRunning {
		return nil, nil
	}
	return f.running, nil
}
func (f *fakeCampaignRepo) TransitionStatus(_ context.Context, id uuid.UUID, to model.CampaignStatus, _ ...model.CampaignStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to == model.CampaignStatusPaused {
		f.paused = append(f.paused, id)
	}
	return true, nil
}
func (f *fakeCampaignRepo) MarkRunning(context.Context, uuid.UUID, int) error { return nil }
func (f *fakeCampaignRepo) IncrementMetrics(context.Context, uuid.UUID, model.CampaignMetrics) error {
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (a *recordingAlerter) Emit(event model.AlertEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAlerter) has(alertType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range a.events {
		if ev.Type == alertType {
			return true
		}
	}
	return false
}

type fixture struct {
	monitor   *Monitor
	channels  *fakeChannelRepo
	campaigns *fakeCampaignRepo
	alerts    *recordingAlerter
	now       time.Time
	restarts  int
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		channels:  &fakeChannelRepo{},
		campaigns: &fakeCampaignRepo{},
		alerts:    &recordingAlerter{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	f.monitor = NewMonitor(cfg, f.channels, f.campaigns, f.alerts,
		func(uuid.UUID) { f.restarts++ }, nil, log)
	f.monitor.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) report(id uuid.UUID, success bool, detail string) {
	f.monitor.ReportOutcome(context.Background(), model.ChannelOutcome{
		ChannelID: id,
		Success:   success,
		Detail:    detail,
		At:        f.now,
	})
}

func TestUnreportedChannelIsHealthy(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	assert.True(t, f.monitor.IsHealthy(id))
	assert.Equal(t, model.HealthUnknown, f.monitor.CurrentStatus(id))
}

func TestStatusFollowsSuccessRate(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	// 9/10 success: healthy.
	for i := 0; i < 9; i++ {
		f.report(id, true, "")
	}
	f.report(id, false, "timeout")
	assert.Equal(t, model.HealthHealthy, f.monitor.CurrentStatus(id))

	// Two more failures drag the rate to 9/12 = 0.75: warning.
	f.report(id, false, "timeout")
	f.report(id, false, "timeout")
	assert.Equal(t, model.HealthWarning, f.monitor.CurrentStatus(id))
	assert.True(t, f.monitor.IsHealthy(id), "warning channels still send")
	assert.True(t, f.alerts.has(model.AlertTypeChannelDegraded))

	// Keep failing until the rate drops below 0.70: critical.
	for i := 0; i < 4; i++ {
		f.report(id, false, "timeout")
	}
	assert.Equal(t, model.HealthCritical, f.monitor.CurrentStatus(id))
	assert.False(t, f.monitor.IsHealthy(id))
}

func TestNoCriticalBeforeMinSamples(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	for i := 0; i < 5; i++ {
		f.report(id, false, "timeout")
	}
	assert.NotEqual(t, model.HealthCritical, f.monitor.CurrentStatus(id))
	assert.True(t, f.monitor.IsHealthy(id))
}

func TestSustainedCriticalQuarantinesAndPausesCampaigns(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()
	campaignID := uuid.New()
	f.campaigns.running = []*model.Campaign{{ID: campaignID, Name: "promo"}}

	for i := 0; i < 3; i++ {
		f.report(id, true, "")
	}
	for i := 0; i < 7; i++ {
		f.report(id, false, "timeout")
	}
	require.Equal(t, model.HealthCritical, f.monitor.CurrentStatus(id))

	// Still inside the sustained-critical grace period.
	f.monitor.Sweep(context.Background())
	assert.True(t, f.monitor.Snapshot(id).Quarantined == false)

	f.now = f.now.Add(2*time.Hour + time.Minute)
	f.monitor.Sweep(context.Background())

	snap := f.monitor.Snapshot(id)
	assert.True(t, snap.Quarantined)
	assert.False(t, f.monitor.IsHealthy(id))

	status, ok := f.channels.lastStatus()
	require.True(t, ok)
	assert.Equal(t, model.ChannelStatusQuarantine, status)

	assert.Contains(t, f.campaigns.paused, campaignID)
	assert.True(t, f.alerts.has(model.AlertTypeChannelQuarantined))
	assert.True(t, f.alerts.has(model.AlertTypeCampaignPaused))
	assert.True(t, f.alerts.has(model.AlertTypeRestartScheduled))
}

func TestBlockKeywordsQuarantineImmediately(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	f.report(id, false, "account banned by provider")
	f.report(id, false, "account banned by provider")
	require.False(t, f.monitor.Snapshot(id).Quarantined)

	f.report(id, false, "account banned by provider")

	snap := f.monitor.Snapshot(id)
	assert.True(t, snap.Quarantined)
	assert.GreaterOrEqual(t, snap.BlockSuspicionScore, 7.0)
	assert.True(t, f.alerts.has(model.AlertTypeChannelQuarantined))
}

func TestElevatedSuspicionSchedulesPreventiveRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestartCooldown = time.Hour // keep the timer from firing mid-test
	f := newFixture(cfg)
	id := uuid.New()

	f.report(id, false, "blocked")
	require.False(t, f.monitor.Snapshot(id).RestartPending)

	f.report(id, false, "blocked")

	snap := f.monitor.Snapshot(id)
	assert.False(t, snap.Quarantined)
	assert.True(t, snap.RestartPending)
	assert.True(t, f.alerts.has(model.AlertTypeRestartScheduled))
}

func TestFailureBurstRaisesSuspicion(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	for i := 0; i < 10; i++ {
		f.report(id, false, "timeout")
	}
	assert.Equal(t, 2.0, f.monitor.Snapshot(id).BlockSuspicionScore)

	// Further failures in the same window do not stack burst events.
	f.report(id, false, "timeout")
	assert.Equal(t, 2.0, f.monitor.Snapshot(id).BlockSuspicionScore)
}

func TestQuarantineCooldownRecoversToWarning(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	for i := 0; i < 3; i++ {
		f.report(id, false, "spam detected")
	}
	require.True(t, f.monitor.Snapshot(id).Quarantined)

	f.now = f.now.Add(23 * time.Hour)
	f.monitor.Sweep(context.Background())
	require.True(t, f.monitor.Snapshot(id).Quarantined, "cooldown not elapsed yet")

	f.now = f.now.Add(2 * time.Hour)
	f.monitor.Sweep(context.Background())

	snap := f.monitor.Snapshot(id)
	assert.False(t, snap.Quarantined)
	assert.Equal(t, model.HealthWarning, snap.Status)
	assert.Zero(t, snap.BlockSuspicionScore)
	assert.True(t, f.monitor.IsHealthy(id))

	status, ok := f.channels.lastStatus()
	require.True(t, ok)
	assert.Equal(t, model.ChannelStatusConnected, status)
	assert.True(t, f.alerts.has(model.AlertTypeChannelRecovered))
}

func TestOutcomesAgeOutOfWindow(t *testing.T) {
	f := newFixture(DefaultConfig())
	id := uuid.New()

	for i := 0; i < 12; i++ {
		f.report(id, false, "timeout")
	}
	require.Equal(t, model.HealthCritical, f.monitor.CurrentStatus(id))

	f.now = f.now.Add(25 * time.Hour)
	for i := 0; i < 10; i++ {
		f.report(id, true, "")
	}
	assert.Equal(t, model.HealthHealthy, f.monitor.CurrentStatus(id))
}
