// Package scheduler turns campaign definitions into Message records and
// queue entries. Each tick materializes due campaigns, re-enqueues stale
// pending messages and settles finished campaigns.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/metrics"
	"github.com/relaydesk/dispatch/pkg/queue"
)

type Config struct {
	TickInterval time.Duration
	// RecurrenceTolerance is the window around recurrenceTime inside which a
	// recurring campaign fires.
	RecurrenceTolerance time.Duration
	// StalePendingAge is how long a pending message may sit unqueued before
	// the reconciliation sweep re-enqueues it.
	StalePendingAge time.Duration
	ReconcileLimit  int
	BatchSize       int
	BatchDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Minute,
		RecurrenceTolerance: 5 * time.Minute,
		StalePendingAge:     15 * time.Minute,
		ReconcileLimit:      500,
		BatchSize:           10,
		BatchDelay:          3 * time.Second,
	}
}

// Alerter is the alert sink; satisfied by alert.Emitter.
type Alerter interface {
	Emit(event model.AlertEvent)
}

type Scheduler struct {
	cfg       Config
	uow       repository.UnitOfWork
	campaigns repository.CampaignRepository
	messages  repository.MessageRepository
	channels  repository.ChannelRepository
	contacts  repository.ContactRepository
	templates repository.TemplateRepository
	broker    queue.Broker
	alerts    Alerter
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

func New(
	cfg Config,
	uow repository.UnitOfWork,
	campaigns repository.CampaignRepository,
	messages repository.MessageRepository,
	channels repository.ChannelRepository,
	contacts repository.ContactRepository,
	templates repository.TemplateRepository,
	broker queue.Broker,
	alerts Alerter,
	m *metrics.Metrics,
	log *logger.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.RecurrenceTolerance <= 0 {
		cfg.RecurrenceTolerance = DefaultConfig().RecurrenceTolerance
	}
	if cfg.StalePendingAge <= 0 {
		cfg.StalePendingAge = DefaultConfig().StalePendingAge
	}
	if cfg.ReconcileLimit <= 0 {
		cfg.ReconcileLimit = DefaultConfig().ReconcileLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{
		cfg:       cfg,
		uow:       uow,
		campaigns: campaigns,
		messages:  messages,
		channels:  channels,
		contacts:  contacts,
		templates: templates,
		broker:    broker,
		alerts:    alerts,
		metrics:   m,
		logger:    log.WithComponent("scheduler"),
		now:       time.Now,
	}
}

// Run ticks on a fixed interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.TickInterval), func() {
		s.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to register tick: %w", err)
	}

	s.logger.Info("scheduler started", "interval", s.cfg.TickInterval.String())
	s.Tick(ctx)
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick runs one full scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	s.materializeDue(ctx)
	s.Reconcile(ctx)
	s.settleFinished(ctx)
}

// materializeDue finds campaigns whose schedule is due and materializes
// them. Recurring campaigns that completed a previous occurrence are
// eligible again.
func (s *Scheduler) materializeDue(ctx context.Context) {
	now := s.now()

	queued, err := s.campaigns.ListByStatus(ctx, model.CampaignStatusQueued)
	if err != nil {
		s.logger.Error(err, "failed to list queued campaigns")
		return
	}
	completed, err := s.campaigns.ListByStatus(ctx, model.CampaignStatusCompleted)
	if err != nil {
		s.logger.Error(err, "failed to list completed campaigns")
		return
	}

	for _, c := range queued {
		due := false
		switch c.Schedule.Type {
		case model.ScheduleImmediate:
			due = true
		case model.ScheduleScheduled:
			due = c.Schedule.StartAt != nil && !c.Schedule.StartAt.After(now) &&
				s.notMaterializedSince(ctx, c, now.Add(-24*time.Hour))
		case model.ScheduleRecurring:
			due = s.recurrenceDue(ctx, c, now)
		}
		if due {
			s.materialize(ctx, c)
		}
	}

	for _, c := range completed {
		if c.Schedule.Type == model.ScheduleRecurring && s.recurrenceDue(ctx, c, now) {
			s.materialize(ctx, c)
		}
	}
}

// notMaterializedSince guards against duplicate materialization from
// concurrent or overlapping ticks.
func (s *Scheduler) notMaterializedSince(ctx context.Context, c *model.Campaign, since time.Time) bool {
	count, err := s.messages.CountByCampaignCreatedAfter(ctx, c.ID, since)
	if err != nil {
		s.logger.Error(err, "failed to check existing messages, skipping materialization",
			"campaign_id", c.ID.String())
		return false
	}
	return count == 0
}

// recurrenceDue reports whether a recurring campaign should fire now: the
// pattern matches today, the clock is within tolerance of recurrenceTime and
// no messages were created since local midnight.
func (s *Scheduler) recurrenceDue(ctx context.Context, c *model.Campaign, now time.Time) bool {
	if !s.patternMatchesToday(c.Schedule, now) {
		return false
	}

	at, err := time.Parse("15:04", c.Schedule.RecurrenceTime)
	if err != nil {
		s.logger.Warn("invalid recurrence time on campaign",
			"campaign_id", c.ID.String(), "recurrence_time", c.Schedule.RecurrenceTime)
		return false
	}
	fireAt := time.Date(now.Year(), now.Month(), now.Day(),
		at.Hour(), at.Minute(), 0, 0, now.Location())
	diff := now.Sub(fireAt)
	if diff < -s.cfg.RecurrenceTolerance || diff > s.cfg.RecurrenceTolerance {
		return false
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.notMaterializedSince(ctx, c, midnight)
}

func (s *Scheduler) patternMatchesToday(sched model.Schedule, now time.Time) bool {
	switch sched.RecurrencePattern {
	case model.RecurrenceDaily:
		return true
	case model.RecurrenceWeekly:
		for _, d := range sched.RecurrenceDays {
			if now.Weekday() == d {
				return true
			}
		}
		return false
	case model.RecurrenceMonthly:
		// Fires on the start date's day of month, on the 1st when unset.
		day := 1
		if sched.StartAt != nil {
			day = sched.StartAt.Day()
		}
		return now.Day() == day
	}
	return false
}

// materialize builds one message per active contact inside a single unit of
// work, then enqueues the batch. A failure mid-enqueue leaves the remaining
// rows pending; the reconciliation sweep recovers them.
func (s *Scheduler) materialize(ctx context.Context, c *model.Campaign) {
	var msgs []*model.Message

	err := s.uow.Within(ctx, func(ctx context.Context) error {
		tmpl, err := s.templates.Get(ctx, c.TemplateID)
		if err != nil {
			return fmt.Errorf("failed to load template: %w", err)
		}
		contactList, err := s.contacts.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("failed to list contacts: %w", err)
		}
		if len(contactList) == 0 {
			return fmt.Errorf("no active contacts to send to")
		}

		msgs = s.buildMessages(c, tmpl, contactList)
		if err := s.messages.BulkInsert(ctx, msgs); err != nil {
			return fmt.Errorf("failed to insert messages: %w", err)
		}
		return s.campaigns.MarkRunning(ctx, c.ID, len(msgs))
	})
	if err != nil {
		s.logger.Error(err, "campaign materialization failed", "campaign_id", c.ID.String())
		if _, terr := s.campaigns.TransitionStatus(ctx, c.ID, model.CampaignStatusFailed,
			model.CampaignStatusQueued); terr != nil {
			s.logger.Error(terr, "failed to mark campaign failed", "campaign_id", c.ID.String())
		}
		s.alerts.Emit(model.AlertEvent{
			Type:          model.AlertTypeCampaignFailed,
			Level:         model.AlertLevelCritical,
			Message:       fmt.Sprintf("campaign %s failed to materialize: %v", c.Name, err),
			RelatedEntity: c.ID.String(),
		})
		return
	}

	if s.metrics != nil {
		s.metrics.CampaignsMaterialized.Inc()
		s.metrics.MessagesMaterialized.Add(float64(len(msgs)))
	}
	s.logger.Info("campaign materialized", "campaign_id", c.ID.String(),
		"campaign", c.Name, "messages", len(msgs))

	s.enqueueBatches(ctx, c, msgs)
}

func (s *Scheduler) buildMessages(c *model.Campaign, tmpl *model.Template, contactList []*model.Contact) []*model.Message {
	now := s.now()
	msgs := make([]*model.Message, 0, len(contactList))
	for _, ct := range contactList {
		msgs = append(msgs, &model.Message{
			ID:         uuid.New(),
			CampaignID: c.ID,
			ContactID:  ct.ID,
			ChannelID:  c.ChannelID,
			Recipient:  ct.Phone,
			Content:    tmpl.Render(ct),
			MediaURL:   tmpl.MediaURL,
			Status:     model.MessageStatusPending,
			StatusHistory: model.StatusHistory{{
				Status:    model.MessageStatusPending,
				Timestamp: now,
				Detail:    "materialized",
			}},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return msgs
}

// enqueueBatches pushes messages onto the main queue in throttled batches.
// Enqueue is best effort: a failed message stays pending and is picked up by
// the reconciliation sweep.
func (s *Scheduler) enqueueBatches(ctx context.Context, c *model.Campaign, msgs []*model.Message) {
	batchSize, batchDelay := s.cfg.BatchSize, s.cfg.BatchDelay
	if ch, err := s.channels.Get(ctx, c.ChannelID); err == nil {
		if ch.Throttling.BatchSize > 0 {
			batchSize = ch.Throttling.BatchSize
		}
		if ch.Throttling.BatchDelay > 0 {
			batchDelay = ch.Throttling.BatchDelay
		}
	}

	limiter := rate.NewLimiter(rate.Every(batchDelay), 1)
	for start := 0; start < len(msgs); start += batchSize {
		if err := limiter.Wait(ctx); err != nil {
			s.logger.Warn("batch enqueue interrupted",
				"campaign_id", c.ID.String(), "enqueued", start)
			return
		}
		end := start + batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		for _, msg := range msgs[start:end] {
			s.enqueueOne(ctx, msg)
		}
	}
}

func (s *Scheduler) enqueueOne(ctx context.Context, msg *model.Message) {
	env := queue.Envelope{
		MessageID:  msg.ID,
		CampaignID: msg.CampaignID,
		EnqueuedAt: s.now(),
	}
	if err := s.broker.Enqueue(ctx, env); err != nil {
		s.logger.Error(err, "failed to enqueue message, leaving pending",
			"message_id", msg.ID.String())
		return
	}
	if err := s.messages.ApplyStatus(ctx, msg.ID, model.MessageStatusQueued, "enqueued"); err != nil {
		s.logger.Error(err, "failed to mark message queued", "message_id", msg.ID.String())
	}
}

// Reconcile re-enqueues messages stuck in dispatch: pending rows that never
// made it onto the queue, queued rows whose envelope was lost or
// dead-lettered, and scheduled retries long past their retry time. A
// duplicate envelope for a message still in flight is tolerated; delivery is
// at-least-once and completed messages are skipped at dispatch.
func (s *Scheduler) Reconcile(ctx context.Context) {
	stale, err := s.messages.ListStalled(ctx, s.cfg.StalePendingAge, s.cfg.ReconcileLimit)
	if err != nil {
		s.logger.Error(err, "reconciliation sweep failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	s.logger.Warn("re-enqueueing stalled messages", "count", len(stale))
	for _, msg := range stale {
		s.enqueueOne(ctx, msg)
	}
	if s.metrics != nil {
		s.metrics.ReconciledMessages.Add(float64(len(stale)))
	}
}

// settleFinished completes running campaigns with nothing left to dispatch.
// A campaign that produced only failures is marked failed instead.
func (s *Scheduler) settleFinished(ctx context.Context) {
	running, err := s.campaigns.ListByStatus(ctx, model.CampaignStatusRunning)
	if err != nil {
		s.logger.Error(err, "failed to list running campaigns")
		return
	}

	for _, c := range running {
		m := c.Metrics
		if m.Total == 0 || m.Pending > 0 {
			continue
		}

		final := model.CampaignStatusCompleted
		if m.Sent == 0 && m.Failed > 0 {
			final = model.CampaignStatusFailed
		}

		ok, err := s.campaigns.TransitionStatus(ctx, c.ID, final, model.CampaignStatusRunning)
		if err != nil {
			s.logger.Error(err, "failed to settle campaign", "campaign_id", c.ID.String())
			continue
		}
		if !ok {
			continue
		}

		s.logger.Info("campaign finished", "campaign_id", c.ID.String(),
			"campaign", c.Name, "status", string(final),
			"sent", m.Sent, "failed", m.Failed)
		if final == model.CampaignStatusFailed {
			s.alerts.Emit(model.AlertEvent{
				Type:          model.AlertTypeCampaignFailed,
				Level:         model.AlertLevelCritical,
				Message:       fmt.Sprintf("campaign %s finished with no successful sends", c.Name),
				RelatedEntity: c.ID.String(),
			})
		}
	}
}
