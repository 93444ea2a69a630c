// Package admission is the per-channel rate limiter consulted before every
// send. It keeps three sliding windows per channel (minute, hour, day)
// against the channel's configured throttling limits.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/pkg/logger"
)

// Limits are the fallback throttling limits for channels that do not
// configure their own.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func DefaultLimits() Limits {
	return Limits{PerMinute: 20, PerHour: 300, PerDay: 2000}
}

// Decision is the outcome of an admission check. When denied, Wait is the
// minimal time until the most restrictive exceeded window frees a slot.
type Decision struct {
	Allowed bool
	Reason  string
	Wait    time.Duration
}

type Controller struct {
	store    Store
	channels repository.ChannelRepository
	defaults Limits
	logger   *logger.Logger
}

func NewController(store Store, channels repository.ChannelRepository, defaults Limits, log *logger.Logger) *Controller {
	return &Controller{
		store:    store,
		channels: channels,
		defaults: defaults,
		logger:   log.WithComponent("admission"),
	}
}

type window struct {
	name     string
	span     time.Duration
	limit    int
	storeKey string
}

func (c *Controller) windows(channelID uuid.UUID, t model.Throttling) []window {
	perMinute := t.PerMinute
	if perMinute <= 0 {
		perMinute = c.defaults.PerMinute
	}
	perHour := t.PerHour
	if perHour <= 0 {
		perHour = c.defaults.PerHour
	}
	perDay := t.PerDay
	if perDay <= 0 {
		perDay = c.defaults.PerDay
	}

	id := channelID.String()
	return []window{
		{name: "minute", span: time.Minute, limit: perMinute, storeKey: id + ":minute"},
		{name: "hour", span: time.Hour, limit: perHour, storeKey: id + ":hour"},
		{name: "day", span: 24 * time.Hour, limit: perDay, storeKey: id + ":day"},
	}
}

// Check decides whether one more send may go through the channel right now.
// On allow it records the event in all three windows before returning.
// If the channel record cannot be read the check allows the send and flags
// it, favoring availability over strict throttling.
func (c *Controller) Check(ctx context.Context, channelID uuid.UUID) (Decision, error) {
	ch, err := c.channels.Get(ctx, channelID)
	if err != nil {
		c.logger.Warn("channel metadata unavailable, admitting without throttle",
			"channel_id", channelID.String(), "error", err.Error())
		return Decision{Allowed: true, Reason: "channel metadata unavailable"}, nil
	}

	now := time.Now()
	var wait time.Duration
	var denied string

	windows := c.windows(channelID, ch.Throttling)
	for _, w := range windows {
		count, oldest, err := c.store.Count(ctx, w.storeKey, w.span)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read %s window: %w", w.name, err)
		}
		if count < w.limit {
			continue
		}

		// The window frees a slot when its oldest event ages out.
		wwait := oldest.Add(w.span).Sub(now)
		if wwait < 0 {
			wwait = 0
		}
		if wwait >= wait {
			wait = wwait
			denied = fmt.Sprintf("%s limit reached (%d/%d)", w.name, count, w.limit)
		}
	}

	if denied != "" {
		return Decision{Allowed: false, Reason: denied, Wait: wait}, nil
	}

	// Record in every window. Concurrent checks may slightly overshoot the
	// limit between Count and Add; slight over-admission is acceptable.
	for _, w := range windows {
		if err := c.store.Add(ctx, w.storeKey, now); err != nil {
			return Decision{}, fmt.Errorf("failed to record %s window: %w", w.name, err)
		}
	}
	return Decision{Allowed: true}, nil
}
