// Package dispatch consumes the message queue and drives each message
// through admission control, channel selection, anti-spam randomization and
// the transport call, then applies the result to message and campaign state.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/internal/service/admission"
	"github.com/relaydesk/dispatch/internal/service/antispam"
	"github.com/relaydesk/dispatch/internal/service/selector"
	"github.com/relaydesk/dispatch/internal/transport"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/metrics"
	"github.com/relaydesk/dispatch/pkg/queue"
)

type Config struct {
	Concurrency int
	MaxRetries  int
	// RetryBackoff is the base of the exponential backoff between transient
	// retries: backoff = RetryBackoff · 2^(retries-1).
	RetryBackoff time.Duration
	// PausedCampaignRecheck is how long a message waits before re-checking a
	// campaign that is paused or not yet running.
	PausedCampaignRecheck time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:           5,
		MaxRetries:            3,
		RetryBackoff:          30 * time.Second,
		PausedCampaignRecheck: time.Minute,
	}
}

// HealthReporter receives every transport outcome; satisfied by
// health.Monitor.
type HealthReporter interface {
	ReportOutcome(ctx context.Context, outcome model.ChannelOutcome)
}

type Worker struct {
	cfg       Config
	messages  repository.MessageRepository
	campaigns repository.CampaignRepository
	channels  repository.ChannelRepository
	broker    queue.Broker
	admission *admission.Controller
	selector  *selector.Selector
	rnd       *antispam.Randomizer
	health    HealthReporter
	client    transport.Client
	metrics   *metrics.Metrics
	logger    *logger.Logger

	// pauses shares pause-after-N state per (campaign, channel) pair across
	// worker processes; with a redis-backed store every worker sees the same
	// count and pause window.
	pauses admission.Store

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(
	cfg Config,
	messages repository.MessageRepository,
	campaigns repository.CampaignRepository,
	channels repository.ChannelRepository,
	broker queue.Broker,
	adm *admission.Controller,
	pauses admission.Store,
	sel *selector.Selector,
	rnd *antispam.Randomizer,
	health HealthReporter,
	client transport.Client,
	m *metrics.Metrics,
	log *logger.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.PausedCampaignRecheck <= 0 {
		cfg.PausedCampaignRecheck = DefaultConfig().PausedCampaignRecheck
	}
	return &Worker{
		cfg:       cfg,
		messages:  messages,
		campaigns: campaigns,
		channels:  channels,
		broker:    broker,
		admission: adm,
		selector:  sel,
		rnd:       rnd,
		health:    health,
		client:    client,
		metrics:   m,
		logger:    log.WithComponent("dispatch"),
		pauses:    pauses,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run consumes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("dispatch worker started", "concurrency", w.cfg.Concurrency)
	return w.broker.Consume(ctx, w.cfg.Concurrency, w.Handle)
}

// Handle processes one envelope. A nil return acks it; an error nacks it and
// lets the broker's redelivery/dead-letter policy take over.
func (w *Worker) Handle(ctx context.Context, env queue.Envelope) error {
	start := w.now()
	defer func() {
		if w.metrics != nil {
			w.metrics.DispatchDuration.Observe(w.now().Sub(start).Seconds())
		}
	}()

	msg, err := w.messages.Get(ctx, env.MessageID)
	if err != nil {
		if err == repository.ErrNotFound {
			w.logger.Warn("envelope references unknown message, dropping",
				"message_id", env.MessageID.String())
			return nil
		}
		return fmt.Errorf("failed to load message: %w", err)
	}

	// At-least-once delivery means redelivered envelopes may arrive for
	// messages that already went out.
	if msg.Status.DispatchComplete() {
		w.logger.Debug("message already dispatched, skipping",
			"message_id", msg.ID.String(), "status", string(msg.Status))
		return nil
	}

	campaign, err := w.campaigns.Get(ctx, msg.CampaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return w.fail(ctx, msg, "campaign no longer exists", "config")
		}
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	if proceed, err := w.checkCampaignRunnable(ctx, msg, campaign, env); !proceed {
		return err
	}

	channel, err := w.channels.Get(ctx, msg.ChannelID)
	if err != nil {
		if err == repository.ErrNotFound {
			return w.fail(ctx, msg, "channel no longer exists", "config")
		}
		return fmt.Errorf("failed to load channel: %w", err)
	}

	// A (campaign, channel) pair sitting in a pause-after-N window defers.
	if wait := w.pauseRemaining(ctx, campaign.ID, channel.ID); wait > 0 {
		return w.park(ctx, msg, env, wait, "channel paused for campaign")
	}

	decision, err := w.admission.Check(ctx, channel.ID)
	if err != nil {
		return fmt.Errorf("admission check failed: %w", err)
	}
	if !decision.Allowed {
		if w.metrics != nil {
			w.metrics.MessagesDeferred.Inc()
		}
		msg.RateLimiterInfo = model.RateLimiterInfo{
			Throttled: true,
			Reason:    decision.Reason,
			WaitTime:  decision.Wait,
		}
		return w.park(ctx, msg, env, decision.Wait, decision.Reason)
	}

	target := w.selector.Select(ctx, campaign, channel)

	content, info := w.randomize(msg, campaign)
	if info.AppliedDelay > 0 {
		if w.metrics != nil {
			w.metrics.AntiSpamDelay.Observe(info.AppliedDelay.Seconds())
		}
		if err := w.sleep(ctx, info.AppliedDelay); err != nil {
			return err
		}
	}

	ref := transport.ChannelRef{ID: target.ID, Identifier: target.Identifier}
	if campaign.AntiSpam.TypingSimulation.Enabled {
		info.TypingSimulated = true
		if err := w.simulateTyping(ctx, ref, msg.Recipient, campaign.AntiSpam.TypingSimulation.Duration); err != nil {
			return err
		}
	}
	msg.AntiSpamInfo = info

	// The world may have moved while we slept: re-read the campaign and
	// re-check the chosen channel right before the transport call.
	campaign, err = w.campaigns.Get(ctx, msg.CampaignID)
	if err != nil {
		if err == repository.ErrNotFound {
			return w.fail(ctx, msg, "campaign no longer exists", "config")
		}
		return fmt.Errorf("failed to reload campaign: %w", err)
	}
	if proceed, err := w.checkCampaignRunnable(ctx, msg, campaign, env); !proceed {
		return err
	}
	if target.ID != channel.ID && !w.selector.Eligible(target) {
		w.logger.Warn("rotated channel became unhealthy, falling back",
			"message_id", msg.ID.String(), "channel_id", target.ID.String())
		target = channel
		ref = transport.ChannelRef{ID: target.ID, Identifier: target.Identifier}
	}

	result, err := w.client.Send(ctx, ref, msg.Recipient, content, msg.MediaURL)
	if err != nil {
		return w.handleSendFailure(ctx, msg, campaign, target, env, err)
	}
	return w.handleSendSuccess(ctx, msg, campaign, target, result)
}

// checkCampaignRunnable gates dispatch on campaign status. Terminal and
// draft campaigns fail the message; paused and queued campaigns defer it.
// The bool reports whether dispatch may proceed.
func (w *Worker) checkCampaignRunnable(ctx context.Context, msg *model.Message, campaign *model.Campaign, env queue.Envelope) (bool, error) {
	switch campaign.Status {
	case model.CampaignStatusRunning:
		return true, nil
	case model.CampaignStatusPaused, model.CampaignStatusQueued:
		return false, w.park(ctx, msg, env, w.cfg.PausedCampaignRecheck,
			"campaign "+string(campaign.Status))
	default:
		return false, w.fail(ctx, msg, "campaign is "+string(campaign.Status), "config")
	}
}

// park parks the message on the delayed queue and records the retry
// schedule on the message.
func (w *Worker) park(ctx context.Context, msg *model.Message, env queue.Envelope, wait time.Duration, reason string) error {
	if wait <= 0 {
		wait = time.Second
	}
	retryAt := w.now().Add(wait)
	msg.ScheduledRetryAt = &retryAt
	entry := msg.AppendHistory(model.MessageStatusScheduledRetry, reason)

	if err := w.messages.SaveDispatchState(ctx, msg, entry); err != nil {
		return fmt.Errorf("failed to persist deferral: %w", err)
	}

	env.Attempt++
	env.Redelivered = false
	if err := w.broker.EnqueueDelayed(ctx, env, wait); err != nil {
		return fmt.Errorf("failed to re-enqueue deferred message: %w", err)
	}

	w.logger.Debug("message deferred", "message_id", msg.ID.String(),
		"wait", wait.String(), "reason", reason)
	return nil
}

// fail marks the message failed and settles campaign metrics. The envelope
// is acked; failed is terminal for dispatch.
func (w *Worker) fail(ctx context.Context, msg *model.Message, detail, class string) error {
	entry := msg.AppendHistory(model.MessageStatusFailed, detail)
	if err := w.messages.SaveDispatchState(ctx, msg, entry); err != nil {
		return fmt.Errorf("failed to persist failure: %w", err)
	}
	if err := w.campaigns.IncrementMetrics(ctx, msg.CampaignID,
		model.CampaignMetrics{Failed: 1, Pending: -1}); err != nil {
		w.logger.Error(err, "failed to settle campaign metrics",
			"campaign_id", msg.CampaignID.String())
	}
	if w.metrics != nil {
		w.metrics.MessagesFailed.WithLabelValues(class).Inc()
	}
	w.logger.Warn("message failed", "message_id", msg.ID.String(),
		"class", class, "detail", detail)
	return nil
}

// randomize produces the outgoing content and the anti-spam record for it.
func (w *Worker) randomize(msg *model.Message, campaign *model.Campaign) (string, model.AntiSpamInfo) {
	content := msg.Content
	info := model.AntiSpamInfo{}

	if campaign.AntiSpam.ContentRandomization {
		// Author-supplied variants take precedence; otherwise generate from
		// the swap catalog. Index 0 is always the original.
		variants := []string(campaign.MessageVariants)
		if len(variants) == 0 {
			variants = w.rnd.Variants(content, 3)
		}
		idx := w.rnd.Intn(len(variants))
		content = variants[idx]
		info.VariantTag = fmt.Sprintf("v%d", idx)

		content = w.rnd.UniqueMarker(content)
		info.MarkersInserted = true
	}

	info.AppliedDelay = w.rnd.Between(campaign.AntiSpam.MessageInterval)
	return content, info
}

// simulateTyping blocks this message's processing for the typing window;
// other in-flight messages are unaffected. Typing signals are best effort.
func (w *Worker) simulateTyping(ctx context.Context, ref transport.ChannelRef, recipient string, d time.Duration) error {
	if d <= 0 {
		d = 2 * time.Second
	}
	if err := w.client.StartTyping(ctx, ref, recipient); err != nil {
		w.logger.Debug("typing-start signal failed", "error", err.Error())
	}
	if err := w.sleep(ctx, d); err != nil {
		return err
	}
	if err := w.client.StopTyping(ctx, ref, recipient); err != nil {
		w.logger.Debug("typing-stop signal failed", "error", err.Error())
	}
	return nil
}

func (w *Worker) handleSendSuccess(ctx context.Context, msg *model.Message, campaign *model.Campaign, target *model.Channel, result *transport.Result) error {
	now := w.now()
	msg.ProviderMessageID = result.ProviderMessageID
	msg.ScheduledRetryAt = nil
	entry := msg.AppendHistory(model.MessageStatusSent, "accepted by provider")

	if err := w.messages.SaveDispatchState(ctx, msg, entry); err != nil {
		return fmt.Errorf("failed to persist sent state: %w", err)
	}
	if err := w.campaigns.IncrementMetrics(ctx, campaign.ID,
		model.CampaignMetrics{Sent: 1, Pending: -1}); err != nil {
		w.logger.Error(err, "failed to settle campaign metrics",
			"campaign_id", campaign.ID.String())
	}
	if err := w.channels.RecordUsage(ctx, target.ID, now); err != nil {
		w.logger.Error(err, "failed to record channel usage",
			"channel_id", target.ID.String())
	}

	w.health.ReportOutcome(ctx, model.ChannelOutcome{
		ChannelID: target.ID, Success: true, At: now,
	})
	if w.metrics != nil {
		w.metrics.MessagesDispatched.WithLabelValues(target.Name).Inc()
	}

	w.notePauseProgress(ctx, campaign, target.ID)

	w.logger.Info("message sent", "message_id", msg.ID.String(),
		"channel", target.Name, "provider_message_id", result.ProviderMessageID)
	return nil
}

func (w *Worker) handleSendFailure(ctx context.Context, msg *model.Message, campaign *model.Campaign, target *model.Channel, env queue.Envelope, sendErr error) error {
	w.health.ReportOutcome(ctx, model.ChannelOutcome{
		ChannelID: target.ID, Success: false, Detail: sendErr.Error(), At: w.now(),
	})

	if transport.IsPermanent(sendErr) {
		return w.fail(ctx, msg, sendErr.Error(), "permanent")
	}

	msg.Retries++
	if msg.Retries <= w.cfg.MaxRetries {
		backoff := w.cfg.RetryBackoff << (msg.Retries - 1)
		if w.metrics != nil {
			w.metrics.MessageRetries.Inc()
		}
		w.logger.Warn("transient send failure, retrying",
			"message_id", msg.ID.String(), "retries", msg.Retries,
			"backoff", backoff.String(), "error", sendErr.Error())
		return w.park(ctx, msg, env, backoff, "transient failure: "+sendErr.Error())
	}

	// Retries exhausted: dead-letter the envelope and fail the message.
	env.Attempt++
	if err := w.broker.EnqueueDeadLetter(ctx, env); err != nil {
		w.logger.Error(err, "failed to dead-letter envelope",
			"message_id", msg.ID.String())
	}
	if w.metrics != nil {
		w.metrics.DeadLetters.Inc()
	}
	return w.fail(ctx, msg,
		fmt.Sprintf("retries exhausted (%d): %s", msg.Retries, sendErr.Error()), "transient")
}

// pauseCountTTL bounds how long an unfinished pause-after-N count survives
// without progress.
const pauseCountTTL = 24 * time.Hour

func pauseKey(campaignID, channelID uuid.UUID) string {
	return campaignID.String() + ":" + channelID.String()
}

// pauseRemaining returns how long the (campaign, channel) pair must still
// wait inside its pause-after-N window. Store failures admit the send rather
// than stall the queue.
func (w *Worker) pauseRemaining(ctx context.Context, campaignID, channelID uuid.UUID) time.Duration {
	rem, err := w.pauses.HoldRemaining(ctx, "pause:"+pauseKey(campaignID, channelID))
	if err != nil {
		w.logger.Error(err, "failed to read pause window",
			"campaign_id", campaignID.String(), "channel_id", channelID.String())
		return 0
	}
	return rem
}

// notePauseProgress counts a successful send against the pair's pause-after-N
// threshold and opens a randomized pause window when it is reached. The count
// and the window live in the shared store, so concurrent workers contribute
// to the same threshold.
func (w *Worker) notePauseProgress(ctx context.Context, campaign *model.Campaign, channelID uuid.UUID) {
	pa := campaign.AntiSpam.PauseAfter
	if pa.Count <= 0 {
		return
	}

	key := pauseKey(campaign.ID, channelID)
	count, err := w.pauses.Incr(ctx, "count:"+key, pauseCountTTL)
	if err != nil {
		w.logger.Error(err, "failed to count send toward pause threshold",
			"campaign_id", campaign.ID.String(), "channel_id", channelID.String())
		return
	}
	if count < pa.Count {
		return
	}

	pause := w.rnd.Between(pa.Duration)
	if pause <= 0 {
		pause = time.Minute
	}
	if err := w.pauses.Clear(ctx, "count:"+key); err != nil {
		w.logger.Error(err, "failed to reset pause count", "key", key)
	}
	if err := w.pauses.Hold(ctx, "pause:"+key, pause); err != nil {
		w.logger.Error(err, "failed to open pause window", "key", key)
		return
	}

	w.logger.Info("pause-after-count threshold reached",
		"campaign_id", campaign.ID.String(), "channel_id", channelID.String(),
		"pause", pause.String())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
