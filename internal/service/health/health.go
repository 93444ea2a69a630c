// Package health scores channel send outcomes and runs the quarantine state
// machine: Unknown → Healthy ⇄ Warning ⇄ Critical → Quarantine → Recovering.
// Outcome windows are kept in process memory; the resulting health fields
// are persisted on the channel record, which this package owns exclusively.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/metrics"
)

// Alerter is the sink for alert events; satisfied by alert.Emitter.
type Alerter interface {
	Emit(event model.AlertEvent)
}

// RestartFunc performs a preventive channel restart. The engine only
// schedules it; session handling belongs to the transport side.
type RestartFunc func(channelID uuid.UUID)

type Config struct {
	WarningRate       float64
	CriticalRate      float64
	MinSamples        int
	SustainedCritical time.Duration
	// QuarantineCooldown is how long a channel stays quarantined before it
	// auto-recovers to warning.
	QuarantineCooldown time.Duration
	// RestartCooldown is the delay before a scheduled preventive restart
	// fires.
	RestartCooldown          time.Duration
	SuspicionQuarantineScore float64
	SuspicionRestartScore    float64
	SuspicionEventLimit      int
	BurstCount               int
	BurstWindow              time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarningRate:              0.85,
		CriticalRate:             0.70,
		MinSamples:               10,
		SustainedCritical:        2 * time.Hour,
		QuarantineCooldown:       24 * time.Hour,
		RestartCooldown:          15 * time.Minute,
		SuspicionQuarantineScore: 7,
		SuspicionRestartScore:    5,
		SuspicionEventLimit:      3,
		BurstCount:               10,
		BurstWindow:              5 * time.Minute,
	}
}

// suspicionPatterns map failure-detail fragments to suspicion weight. A
// failure contributes the heaviest pattern it matches.
var suspicionPatterns = []struct {
	substr string
	weight float64
}{
	{"block", 3},
	{"ban", 3},
	{"spam", 3},
	{"restricted", 2},
	{"forbidden", 2},
	{"unauthorized", 2},
	{"403", 2},
	{"401", 2},
	{"429", 1},
	{"rate limit", 1},
}

const outcomeWindow = 24 * time.Hour

type outcome struct {
	at      time.Time
	success bool
}

type suspicionEvent struct {
	at     time.Time
	weight float64
	reason string
}

type channelState struct {
	outcomes       []outcome
	suspicions     []suspicionEvent
	status         model.HealthStatus
	criticalSince  *time.Time
	quarantinedAt  *time.Time
	reason         string
	restartPending bool
}

// Snapshot is the per-channel health view exposed to operators.
type Snapshot struct {
	Status              model.HealthStatus `json:"status"`
	SuccessRate         float64            `json:"success_rate"`
	SampleCount         int                `json:"sample_count"`
	BlockSuspicionScore float64            `json:"block_suspicion_score"`
	Quarantined         bool               `json:"quarantined"`
	QuarantineReason    string             `json:"quarantine_reason,omitempty"`
	QuarantinedAt       *time.Time         `json:"quarantined_at,omitempty"`
	RestartPending      bool               `json:"restart_pending"`
}

type Monitor struct {
	cfg       Config
	channels  repository.ChannelRepository
	campaigns repository.CampaignRepository
	alerts    Alerter
	restart   RestartFunc
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[uuid.UUID]*channelState
}

func NewMonitor(
	cfg Config,
	channels repository.ChannelRepository,
	campaigns repository.CampaignRepository,
	alerts Alerter,
	restart RestartFunc,
	m *metrics.Metrics,
	log *logger.Logger,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		channels:  channels,
		campaigns: campaigns,
		alerts:    alerts,
		restart:   restart,
		metrics:   m,
		logger:    log.WithComponent("health"),
		now:       time.Now,
		states:    make(map[uuid.UUID]*channelState),
	}
}

func (m *Monitor) state(id uuid.UUID) *channelState {
	if s, ok := m.states[id]; ok {
		return s
	}
	s := &channelState{status: model.HealthUnknown}
	m.states[id] = s
	return s
}

// ReportOutcome records one send result and re-evaluates the channel.
func (m *Monitor) ReportOutcome(ctx context.Context, oc model.ChannelOutcome) {
	if oc.At.IsZero() {
		oc.At = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(oc.ChannelID)
	s.outcomes = append(s.outcomes, outcome{at: oc.At, success: oc.Success})
	m.prune(s, oc.At)

	if !oc.Success {
		m.scoreSuspicion(s, oc)
	}

	m.evaluate(ctx, oc.ChannelID, s)
}

func (m *Monitor) prune(s *channelState, now time.Time) {
	cutoff := now.Add(-outcomeWindow)
	i := 0
	for i < len(s.outcomes) && s.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.outcomes = append([]outcome(nil), s.outcomes[i:]...)
	}

	j := 0
	for j < len(s.suspicions) && s.suspicions[j].at.Before(cutoff) {
		j++
	}
	if j > 0 {
		s.suspicions = append([]suspicionEvent(nil), s.suspicions[j:]...)
	}
}

// scoreSuspicion matches the failure detail against the block-signal
// patterns and checks for rapid failure bursts. Callers hold the lock.
func (m *Monitor) scoreSuspicion(s *channelState, oc model.ChannelOutcome) {
	detail := strings.ToLower(oc.Detail)
	var weight float64
	var matched string
	for _, p := range suspicionPatterns {
		if strings.Contains(detail, p.substr) && p.weight > weight {
			weight = p.weight
			matched = p.substr
		}
	}
	if weight > 0 {
		s.suspicions = append(s.suspicions, suspicionEvent{at: oc.At, weight: weight, reason: matched})
		m.logger.Warn("block-suspicion signal on channel",
			"channel_id", oc.ChannelID.String(), "pattern", matched, "detail", oc.Detail)
	}

	if burst := m.failureBurst(s, oc.At); burst {
		s.suspicions = append(s.suspicions, suspicionEvent{at: oc.At, weight: 2, reason: "failure burst"})
	}
}

// failureBurst reports whether the burst threshold was just crossed, firing
// once per window edge rather than on every subsequent failure.
func (m *Monitor) failureBurst(s *channelState, now time.Time) bool {
	cutoff := now.Add(-m.cfg.BurstWindow)
	failures := 0
	for _, o := range s.outcomes {
		if !o.success && o.at.After(cutoff) {
			failures++
		}
	}
	if failures != m.cfg.BurstCount {
		return false
	}
	// Only one burst event per window.
	for _, ev := range s.suspicions {
		if ev.reason == "failure burst" && ev.at.After(cutoff) {
			return false
		}
	}
	return true
}

func (s *channelState) successRate() (float64, int) {
	if len(s.outcomes) == 0 {
		return 1, 0
	}
	ok := 0
	for _, o := range s.outcomes {
		if o.success {
			ok++
		}
	}
	return float64(ok) / float64(len(s.outcomes)), len(s.outcomes)
}

func (s *channelState) suspicionScore() float64 {
	var sum float64
	for _, ev := range s.suspicions {
		sum += ev.weight
	}
	return sum
}

// evaluate applies thresholds and triggers transitions. Callers hold the lock.
func (m *Monitor) evaluate(ctx context.Context, id uuid.UUID, s *channelState) {
	if s.quarantinedAt != nil {
		m.persist(ctx, id, s)
		return
	}

	rate, samples := s.successRate()
	score := s.suspicionScore()

	// Immediate quarantine on strong block signals.
	if score >= m.cfg.SuspicionQuarantineScore || len(s.suspicions) >= m.cfg.SuspicionEventLimit {
		m.quarantineLocked(ctx, id, s,
			fmt.Sprintf("block suspicion score %.1f with %d events", score, len(s.suspicions)))
		return
	}

	prev := s.status
	if samples >= m.cfg.MinSamples {
		switch {
		case rate < m.cfg.CriticalRate:
			s.status = model.HealthCritical
		case rate < m.cfg.WarningRate:
			s.status = model.HealthWarning
		default:
			s.status = model.HealthHealthy
		}
	} else if s.status == model.HealthUnknown && samples > 0 {
		s.status = model.HealthHealthy
	}

	now := m.now()
	if s.status == model.HealthCritical && samples >= m.cfg.MinSamples {
		if s.criticalSince == nil {
			t := now
			s.criticalSince = &t
		}
		if now.Sub(*s.criticalSince) > m.cfg.SustainedCritical {
			m.quarantineLocked(ctx, id, s,
				fmt.Sprintf("success rate %.2f critical for over %s", rate, m.cfg.SustainedCritical))
			return
		}
	} else {
		s.criticalSince = nil
	}

	if prev != s.status && (s.status == model.HealthWarning || s.status == model.HealthCritical) {
		m.alerts.Emit(model.AlertEvent{
			Type:          model.AlertTypeChannelDegraded,
			Level:         model.AlertLevelWarning,
			Message:       fmt.Sprintf("channel health degraded to %s (success rate %.2f)", s.status, rate),
			RelatedEntity: id.String(),
		})
	}

	// Elevated suspicion short of quarantine earns a preventive restart.
	if score >= m.cfg.SuspicionRestartScore && !s.restartPending {
		m.scheduleRestartLocked(id, s)
	}

	m.persist(ctx, id, s)
}

// quarantineLocked disables the channel, pauses its running campaigns and
// schedules a restart. Callers hold the lock.
func (m *Monitor) quarantineLocked(ctx context.Context, id uuid.UUID, s *channelState, reason string) {
	now := m.now()
	s.quarantinedAt = &now
	s.reason = reason
	s.status = model.HealthCritical

	m.logger.Warn("channel quarantined", "channel_id", id.String(), "reason", reason)
	if m.metrics != nil {
		m.metrics.ChannelQuarantines.Inc()
	}

	if err := m.channels.UpdateStatus(ctx, id, model.ChannelStatusQuarantine); err != nil {
		m.logger.Error(err, "failed to persist quarantine status", "channel_id", id.String())
	}
	m.persist(ctx, id, s)

	m.alerts.Emit(model.AlertEvent{
		Type:          model.AlertTypeChannelQuarantined,
		Level:         model.AlertLevelCritical,
		Message:       "channel quarantined: " + reason,
		RelatedEntity: id.String(),
	})

	m.pauseCampaigns(ctx, id)
	m.scheduleRestartLocked(id, s)
}

// pauseCampaigns moves every running campaign bound to the channel to
// paused, upholding the invariant that a quarantined channel has no running
// campaigns.
func (m *Monitor) pauseCampaigns(ctx context.Context, channelID uuid.UUID) {
	campaigns, err := m.campaigns.ListByChannelAndStatus(ctx, channelID, model.CampaignStatusRunning)
	if err != nil {
		m.logger.Error(err, "failed to list running campaigns for quarantined channel",
			"channel_id", channelID.String())
		return
	}

	for _, c := range campaigns {
		ok, err := m.campaigns.TransitionStatus(ctx, c.ID, model.CampaignStatusPaused, model.CampaignStatusRunning)
		if err != nil {
			m.logger.Error(err, "failed to pause campaign", "campaign_id", c.ID.String())
			continue
		}
		if ok {
			m.alerts.Emit(model.AlertEvent{
				Type:          model.AlertTypeCampaignPaused,
				Level:         model.AlertLevelWarning,
				Message:       fmt.Sprintf("campaign %s paused: channel quarantined", c.Name),
				RelatedEntity: c.ID.String(),
			})
		}
	}
}

func (m *Monitor) scheduleRestartLocked(id uuid.UUID, s *channelState) {
	if m.restart == nil || s.restartPending {
		return
	}
	s.restartPending = true
	if m.metrics != nil {
		m.metrics.ChannelRestarts.Inc()
	}

	m.alerts.Emit(model.AlertEvent{
		Type:          model.AlertTypeRestartScheduled,
		Level:         model.AlertLevelInfo,
		Message:       fmt.Sprintf("preventive restart scheduled in %s", m.cfg.RestartCooldown),
		RelatedEntity: id.String(),
	})

	time.AfterFunc(m.cfg.RestartCooldown, func() {
		m.mu.Lock()
		s.restartPending = false
		m.mu.Unlock()
		m.restart(id)
	})
}

func (m *Monitor) persist(ctx context.Context, id uuid.UUID, s *channelState) {
	rate, _ := s.successRate()
	h := model.ChannelHealth{
		Status:              s.status,
		SuccessRate:         rate,
		BlockSuspicionScore: s.suspicionScore(),
		QuarantineReason:    s.reason,
		QuarantineTimestamp: s.quarantinedAt,
		CriticalSince:       s.criticalSince,
	}
	if err := m.channels.UpdateHealth(ctx, id, h); err != nil {
		m.logger.Error(err, "failed to persist channel health", "channel_id", id.String())
	}
}

// IsHealthy reports whether the channel may carry sends right now.
func (m *Monitor) IsHealthy(channelID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[channelID]
	if !ok {
		return true
	}
	return s.quarantinedAt == nil && s.status != model.HealthCritical
}

// CurrentStatus returns the channel's health status; quarantined channels
// report critical.
func (m *Monitor) CurrentStatus(channelID uuid.UUID) model.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[channelID]
	if !ok {
		return model.HealthUnknown
	}
	return s.status
}

// Snapshot returns the operator view of one channel.
func (m *Monitor) Snapshot(channelID uuid.UUID) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[channelID]
	if !ok {
		return Snapshot{Status: model.HealthUnknown, SuccessRate: 1}
	}
	rate, samples := s.successRate()
	return Snapshot{
		Status:              s.status,
		SuccessRate:         rate,
		SampleCount:         samples,
		BlockSuspicionScore: s.suspicionScore(),
		Quarantined:         s.quarantinedAt != nil,
		QuarantineReason:    s.reason,
		QuarantinedAt:       s.quarantinedAt,
		RestartPending:      s.restartPending,
	}
}

// Run periodically re-evaluates sustained-critical escalation and
// quarantine expiry. It blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass: escalates channels stuck in critical and
// recovers channels whose quarantine cooldown elapsed.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.states {
		m.prune(s, now)

		if s.quarantinedAt != nil {
			if now.Sub(*s.quarantinedAt) >= m.cfg.QuarantineCooldown {
				m.recoverLocked(ctx, id, s)
			}
			continue
		}

		if s.criticalSince != nil && now.Sub(*s.criticalSince) > m.cfg.SustainedCritical {
			m.quarantineLocked(ctx, id, s, fmt.Sprintf("critical for over %s", m.cfg.SustainedCritical))
		}
	}
}

// recoverLocked ends a quarantine: the channel re-enters service in warning
// state with its suspicion history cleared. Callers hold the lock.
func (m *Monitor) recoverLocked(ctx context.Context, id uuid.UUID, s *channelState) {
	s.quarantinedAt = nil
	s.reason = ""
	s.status = model.HealthWarning
	s.criticalSince = nil
	s.suspicions = nil
	s.outcomes = nil

	if err := m.channels.UpdateStatus(ctx, id, model.ChannelStatusConnected); err != nil {
		m.logger.Error(err, "failed to persist channel recovery", "channel_id", id.String())
	}
	m.persist(ctx, id, s)

	m.logger.Info("channel recovered from quarantine", "channel_id", id.String())
	m.alerts.Emit(model.AlertEvent{
		Type:          model.AlertTypeChannelRecovered,
		Level:         model.AlertLevelInfo,
		Message:       "channel recovered from quarantine",
		RelatedEntity: id.String(),
	})
}
