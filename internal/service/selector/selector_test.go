package selector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/pkg/logger"
)

type stubChannelRepo struct {
	sendable []*model.Channel
	usage    map[uuid.UUID]int
}

func (s *stubChannelRepo) Get(context.Context, uuid.UUID) (*model.Channel, error) { return nil, nil }
func (s *stubChannelRepo) ListSendable(context.Context) ([]*model.Channel, error) {
	return s.sendable, nil
}
func (s *stubChannelRepo) UpdateStatus(context.Context, uuid.UUID, model.ChannelStatus) error {
	return nil
}
func (s *stubChannelRepo) UpdateHealth(context.Context, uuid.UUID, model.ChannelHealth) error {
	return nil
}
func (s *stubChannelRepo) RecordUsage(context.Context, uuid.UUID, time.Time) error { return nil }
func (s *stubChannelRepo) UsageCountSince(_ context.Context, id uuid.UUID, _ time.Time) (int, error) {
	return s.usage[id], nil
}

type stubHealth struct {
	unhealthy map[uuid.UUID]bool
	status    map[uuid.UUID]model.HealthStatus
}

func (s *stubHealth) IsHealthy(id uuid.UUID) bool { return !s.unhealthy[id] }
func (s *stubHealth) CurrentStatus(id uuid.UUID) model.HealthStatus {
	if st, ok := s.status[id]; ok {
		return st
	}
	return model.HealthUnknown
}

func testSelector(repo *stubChannelRepo, health *stubHealth) *Selector {
	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	s := New(repo, health, log)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func rotatingCampaign() *model.Campaign {
	return &model.Campaign{
		ID:       uuid.New(),
		AntiSpam: model.AntiSpamConfig{RotationStrategy: model.RotationHealthBased},
	}
}

func connected(name string) *model.Channel {
	return &model.Channel{
		ID:     uuid.New(),
		Name:   name,
		Status: model.ChannelStatusConnected,
		Health: model.ChannelHealth{Status: model.HealthHealthy, SuccessRate: 1},
	}
}

func TestRotationDisabledReturnsOriginal(t *testing.T) {
	original := connected("a")
	other := connected("b")
	repo := &stubChannelRepo{sendable: []*model.Channel{original, other}}
	s := testSelector(repo, &stubHealth{})

	campaign := &model.Campaign{
		AntiSpam: model.AntiSpamConfig{RotationStrategy: model.RotationNone},
	}
	assert.Same(t, original, s.Select(context.Background(), campaign, original))
}

func TestQuarantinedChannelNeverChosenOverHealthyAlternative(t *testing.T) {
	original := connected("quarantined")
	original.Status = model.ChannelStatusQuarantine
	alt := connected("healthy")

	repo := &stubChannelRepo{sendable: []*model.Channel{original, alt}}
	health := &stubHealth{unhealthy: map[uuid.UUID]bool{original.ID: true}}
	s := testSelector(repo, health)

	got := s.Select(context.Background(), rotatingCampaign(), original)
	assert.Same(t, alt, got)
}

func TestHigherSuccessRateWins(t *testing.T) {
	weak := connected("weak")
	weak.Health.SuccessRate = 0.80
	weak.Health.Status = model.HealthWarning
	strong := connected("strong")

	repo := &stubChannelRepo{sendable: []*model.Channel{weak, strong}}
	s := testSelector(repo, &stubHealth{})

	got := s.Select(context.Background(), rotatingCampaign(), weak)
	assert.Same(t, strong, got)
}

func TestHeavyUsagePenalized(t *testing.T) {
	busy := connected("busy")
	idle := connected("idle")

	repo := &stubChannelRepo{
		sendable: []*model.Channel{busy, idle},
		usage:    map[uuid.UUID]int{busy.ID: 900},
	}
	s := testSelector(repo, &stubHealth{})

	got := s.Select(context.Background(), rotatingCampaign(), busy)
	assert.Same(t, idle, got)
}

func TestRecentUseLowersRecencyFactor(t *testing.T) {
	fresh := connected("fresh")
	justUsed := connected("just-used")
	at := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	justUsed.LastUsedAt = &at

	repo := &stubChannelRepo{sendable: []*model.Channel{fresh, justUsed}}
	s := testSelector(repo, &stubHealth{})

	got := s.Select(context.Background(), rotatingCampaign(), justUsed)
	assert.Same(t, fresh, got)
}

func TestCriticalChannelIneligible(t *testing.T) {
	critical := connected("critical")
	ok := connected("ok")

	repo := &stubChannelRepo{sendable: []*model.Channel{critical, ok}}
	health := &stubHealth{status: map[uuid.UUID]model.HealthStatus{critical.ID: model.HealthCritical}}
	s := testSelector(repo, health)

	got := s.Select(context.Background(), rotatingCampaign(), critical)
	assert.Same(t, ok, got)
}

func TestFallsBackToOriginalWhenNothingEligible(t *testing.T) {
	original := connected("original")
	repo := &stubChannelRepo{sendable: nil}
	s := testSelector(repo, &stubHealth{})

	got := s.Select(context.Background(), rotatingCampaign(), original)
	assert.Same(t, original, got)
}

func TestTieBreaksOnChannelID(t *testing.T) {
	a := connected("a")
	b := connected("b")
	repo := &stubChannelRepo{sendable: []*model.Channel{a, b}}
	s := testSelector(repo, &stubHealth{})

	want := a
	if b.ID.String() < a.ID.String() {
		want = b
	}
	for i := 0; i < 5; i++ {
		assert.Same(t, want, s.Select(context.Background(), rotatingCampaign(), a))
	}
}
