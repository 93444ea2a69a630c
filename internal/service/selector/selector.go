// Package selector picks the sending channel for a message, rotating across
// healthy channels when the campaign enables rotation.
package selector

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/pkg/logger"
)

// usageWindow bounds the recent-usage count feeding the usage factor.
const usageWindow = 24 * time.Hour

// HealthView is the health monitor surface the selector needs.
type HealthView interface {
	IsHealthy(channelID uuid.UUID) bool
	CurrentStatus(channelID uuid.UUID) model.HealthStatus
}

type Selector struct {
	channels repository.ChannelRepository
	health   HealthView
	logger   *logger.Logger
	now      func() time.Time
}

func New(channels repository.ChannelRepository, health HealthView, log *logger.Logger) *Selector {
	return &Selector{
		channels: channels,
		health:   health,
		logger:   log.WithComponent("selector"),
		now:      time.Now,
	}
}

// Select returns the channel to send through. With rotation disabled it is
// always the campaign's own channel; otherwise the highest-scoring eligible
// channel wins, falling back to original when no alternative qualifies.
func (s *Selector) Select(ctx context.Context, campaign *model.Campaign, original *model.Channel) *model.Channel {
	if !campaign.AntiSpam.RotationEnabled() {
		return original
	}

	candidates, err := s.channels.ListSendable(ctx)
	if err != nil {
		s.logger.Error(err, "failed to list channels for rotation",
			"campaign_id", campaign.ID.String())
		return original
	}

	best := original
	bestScore := -1.0
	now := s.now()

	for _, ch := range candidates {
		if !s.Eligible(ch) {
			continue
		}
		score := s.score(ctx, ch, now)
		// Ties break toward the lower channel id so the choice is
		// deterministic.
		if score > bestScore || (score == bestScore && less(ch.ID, best.ID)) {
			best = ch
			bestScore = score
		}
	}

	if bestScore < 0 {
		return original
	}
	if best.ID != original.ID {
		s.logger.Debug("rotated channel",
			"campaign_id", campaign.ID.String(),
			"from", original.ID.String(), "to", best.ID.String())
	}
	return best
}

// Eligible reports whether a channel may be chosen as a rotation target:
// sendable connectivity, not quarantined, not health-critical. The worker
// re-checks this immediately before the transport call.
func (s *Selector) Eligible(ch *model.Channel) bool {
	if !ch.Status.Sendable() {
		return false
	}
	if !s.health.IsHealthy(ch.ID) {
		return false
	}
	return s.health.CurrentStatus(ch.ID) != model.HealthCritical
}

func (s *Selector) score(ctx context.Context, ch *model.Channel, now time.Time) float64 {
	// Success rate comes from the persisted health fields the monitor
	// maintains; a channel with no history scores as perfect.
	successRate := 1.0
	if h := ch.Health; h.Status != "" && h.Status != model.HealthUnknown {
		successRate = h.SuccessRate
	}

	usage, err := s.channels.UsageCountSince(ctx, ch.ID, now.Add(-usageWindow))
	if err != nil {
		s.logger.Warn("failed to read channel usage, assuming unused",
			"channel_id", ch.ID.String(), "error", err.Error())
		usage = 0
	}
	usageFactor := 1 - float64(usage)/1000
	if usageFactor < 0.1 {
		usageFactor = 0.1
	}

	recencyFactor := 1.0
	if ch.LastUsedAt != nil {
		recencyFactor = float64(now.Sub(*ch.LastUsedAt)) / float64(time.Hour)
		if recencyFactor > 1 {
			recencyFactor = 1
		}
		if recencyFactor < 0 {
			recencyFactor = 0
		}
	}

	return 5*successRate + 3*usageFactor + 2*recencyFactor
}

func less(a, b uuid.UUID) bool {
	return a.String() < b.String()
}

// Rank orders channels by descending score; exposed for diagnostics.
func (s *Selector) Rank(ctx context.Context, channels []*model.Channel) []*model.Channel {
	now := s.now()
	out := append([]*model.Channel(nil), channels...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := s.score(ctx, out[i], now), s.score(ctx, out[j], now)
		if si != sj {
			return si > sj
		}
		return less(out[i].ID, out[j].ID)
	})
	return out
}
