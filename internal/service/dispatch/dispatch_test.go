package dispatch

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
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/internal/service/admission"
	"github.com/relaydesk/dispatch/internal/service/antispam"
	"github.com/relaydesk/dispatch/internal/service/selector"
	"github.com/relaydesk/dispatch/internal/transport"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/queue"
)

type memMessages struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.Message
}

func (m *memMessages) Get(_ context.Context, id uuid.UUID) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}
func (m *memMessages) GetByProviderID(context.Context, string) (*model.Message, error) {
	return nil, repository.ErrNotFound
}
func (m *memMessages) BulkInsert(context.Context, []*model.Message) error { return nil }
func (m *memMessages) ApplyStatus(context.Context, uuid.UUID, model.MessageStatus, string) error {
	return nil
}
func (m *memMessages) SaveDispatchState(_ context.Context, msg *model.Message, _ model.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.items[msg.ID] = &cp
	return nil
}
func (m *memMessages) CountByCampaignCreatedAfter(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}
func (m *memMessages) ListByCampaignAndStatus(context.Context, uuid.UUID, model.MessageStatus) ([]*model.Message, error) {
	return nil, nil
}
func (m *memMessages) ListStalled(context.Context, time.Duration, int) ([]*model.Message, error) {
	return nil, nil
}
func (m *memMessages) CancelOpenByCampaign(context.Context, uuid.UUID) (int64, error) {
	return 0, nil
}

type memCampaigns struct {
	mu     sync.Mutex
	items  map[uuid.UUID]*model.Campaign
	deltas []model.CampaignMetrics
}

func (m *memCampaigns) Get(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
func (m *memCampaigns) ListByStatus(context.Context, model.CampaignStatus) ([]*model.Campaign, error) {
	return nil, nil
}
func (m *memCampaigns) ListByChannelAndStatus(context.Context, uuid.UUID, model.CampaignStatus) ([]*model.Campaign, error) {
	return nil, nil
}
func (m *memCampaigns) TransitionStatus(context.Context, uuid.UUID, model.CampaignStatus, ...model.CampaignStatus) (bool, error) {
	return false, nil
}
func (m *memCampaigns) MarkRunning(context.Context, uuid.UUID, int) error { return nil }
func (m *memCampaigns) IncrementMetrics(_ context.Context, _ uuid.UUID, delta model.CampaignMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, delta)
	return nil
}

type memChannels struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.Channel
	usage []uuid.UUID
}

func (m *memChannels) Get(_ context.Context, id uuid.UUID) (*model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
func (m *memChannels) ListSendable(context.Context) ([]*model.Channel, error) { return nil, nil }
func (m *memChannels) UpdateStatus(context.Context, uuid.UUID, model.ChannelStatus) error {
	return nil
}
func (m *memChannels) UpdateHealth(context.Context, uuid.UUID, model.ChannelHealth) error {
	return nil
}
func (m *memChannels) RecordUsage(_ context.Context, id uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, id)
	return nil
}
func (m *memChannels) UsageCountSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

type stubBroker struct {
	mu      sync.Mutex
	delayed []struct {
		env   queue.Envelope
		delay time.Duration
	}
	dead []queue.Envelope
}

func (b *stubBroker) Enqueue(context.Context, queue.Envelope) error { return nil }
func (b *stubBroker) EnqueueDelayed(_ context.Context, env queue.Envelope, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed = append(b.delayed, struct {
		env   queue.Envelope
		delay time.Duration
	}{env, delay})
	return nil
}
func (b *stubBroker) EnqueueDeadLetter(_ context.Context, env queue.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, env)
	return nil
}
func (b *stubBroker) Consume(context.Context, int, queue.Handler) error { return nil }
func (b *stubBroker) Depths(context.Context) (queue.Depths, error)     { return queue.Depths{}, nil }
func (b *stubBroker) Close() error                                     { return nil }

type stubHealth struct {
	mu       sync.Mutex
	outcomes []model.ChannelOutcome
}

func (h *stubHealth) ReportOutcome(_ context.Context, oc model.ChannelOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes = append(h.outcomes, oc)
}
func (h *stubHealth) IsHealthy(uuid.UUID) bool { return true }
func (h *stubHealth) CurrentStatus(uuid.UUID) model.HealthStatus {
	return model.HealthHealthy
}

type sendCall struct {
	channel   transport.ChannelRef
	recipient string
	content   string
}

type stubClient struct {
	mu           sync.Mutex
	sends        []sendCall
	typingStarts int
	typingStops  int
	err          error
}

func (c *stubClient) Send(_ context.Context, ref transport.ChannelRef, recipient, content, _ string) (*transport.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, sendCall{channel: ref, recipient: recipient, content: content})
	if c.err != nil {
		return nil, c.err
	}
	return &transport.Result{ProviderMessageID: "prov-1"}, nil
}
func (c *stubClient) StartTyping(context.Context, transport.ChannelRef, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingStarts++
	return nil
}
func (c *stubClient) StopTyping(context.Context, transport.ChannelRef, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingStops++
	return nil
}

type fix struct {
	worker    *Worker
	messages  *memMessages
	campaigns *memCampaigns
	channels  *memChannels
	broker    *stubBroker
	health    *stubHealth
	client    *stubClient
	store     *admission.MemoryStore
	adm       *admission.Controller
	sel       *selector.Selector
	log       *logger.Logger
	sleeps    []time.Duration

	campaign *model.Campaign
	channel  *model.Channel
	message  *model.Message
}

func newFix(t *testing.T) *fix {
	t.Helper()

	f := &fix{
		messages:  &memMessages{items: map[uuid.UUID]*model.Message{}},
		campaigns: &memCampaigns{items: map[uuid.UUID]*model.Campaign{}},
		channels:  &memChannels{items: map[uuid.UUID]*model.Channel{}},
		broker:    &stubBroker{},
		health:    &stubHealth{},
		client:    &stubClient{},
	}

	f.channel = &model.Channel{
		ID:         uuid.New(),
		Name:       "primary",
		Identifier: "primary@provider",
		Status:     model.ChannelStatusConnected,
	}
	f.campaign = &model.Campaign{
		ID:        uuid.New(),
		Name:      "spring-promo",
		Status:    model.CampaignStatusRunning,
		ChannelID: f.channel.ID,
	}
	f.message = &model.Message{
		ID:         uuid.New(),
		CampaignID: f.campaign.ID,
		ContactID:  uuid.New(),
		ChannelID:  f.channel.ID,
		Recipient:  "+15550001111",
		Content:    "Hello there, your order is ready!",
		Status:     model.MessageStatusQueued,
	}
	f.channels.items[f.channel.ID] = f.channel
	f.campaigns.items[f.campaign.ID] = f.campaign
	f.messages.items[f.message.ID] = f.message

	f.log = logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	f.store = admission.NewMemoryStore()
	f.adm = admission.NewController(f.store, f.channels, admission.DefaultLimits(), f.log)
	f.sel = selector.New(f.channels, f.health, f.log)

	f.worker = NewWorker(DefaultConfig(), f.messages, f.campaigns, f.channels,
		f.broker, f.adm, f.store, f.sel, antispam.New(1), f.health, f.client, nil, f.log)
	f.worker.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *fix) env() queue.Envelope {
	return queue.Envelope{MessageID: f.message.ID, CampaignID: f.campaign.ID}
}

func (f *fix) stored(t *testing.T) *model.Message {
	t.Helper()
	msg, err := f.messages.Get(context.Background(), f.message.ID)
	require.NoError(t, err)
	return msg
}

func TestSuccessfulDispatch(t *testing.T) {
	f := newFix(t)

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	msg := f.stored(t)
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assert.Equal(t, "prov-1", msg.ProviderMessageID)
	require.NotEmpty(t, msg.StatusHistory)
	assert.Equal(t, model.MessageStatusSent, msg.StatusHistory[len(msg.StatusHistory)-1].Status)

	require.Len(t, f.campaigns.deltas, 1)
	assert.Equal(t, model.CampaignMetrics{Sent: 1, Pending: -1}, f.campaigns.deltas[0])

	assert.Equal(t, []uuid.UUID{f.channel.ID}, f.channels.usage)

	require.Len(t, f.health.outcomes, 1)
	assert.True(t, f.health.outcomes[0].Success)
	assert.Equal(t, f.channel.ID, f.health.outcomes[0].ChannelID)
}

func TestDispatchCompleteMessageSkipped(t *testing.T) {
	f := newFix(t)
	f.message.Status = model.MessageStatusSent
	f.messages.items[f.message.ID] = f.message

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))
	assert.Empty(t, f.client.sends)
	assert.Empty(t, f.campaigns.deltas)
}

func TestUnknownMessageAcked(t *testing.T) {
	f := newFix(t)
	env := queue.Envelope{MessageID: uuid.New()}

	require.NoError(t, f.worker.Handle(context.Background(), env))
	assert.Empty(t, f.client.sends)
}

func TestMissingCampaignFailsMessage(t *testing.T) {
	f := newFix(t)
	delete(f.campaigns.items, f.campaign.ID)

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	assert.Equal(t, model.MessageStatusFailed, f.stored(t).Status)
	require.Len(t, f.campaigns.deltas, 1)
	assert.Equal(t, model.CampaignMetrics{Failed: 1, Pending: -1}, f.campaigns.deltas[0])
	assert.Empty(t, f.client.sends)
}

func TestCanceledCampaignFailsMessage(t *testing.T) {
	f := newFix(t)
	f.campaign.Status = model.CampaignStatusCanceled
	f.campaigns.items[f.campaign.ID] = f.campaign

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))
	assert.Equal(t, model.MessageStatusFailed, f.stored(t).Status)
	assert.Empty(t, f.client.sends)
}

func TestPausedCampaignDefersMessage(t *testing.T) {
	f := newFix(t)
	f.campaign.Status = model.CampaignStatusPaused
	f.campaigns.items[f.campaign.ID] = f.campaign

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	assert.Equal(t, model.MessageStatusScheduledRetry, f.stored(t).Status)
	require.Len(t, f.broker.delayed, 1)
	assert.Equal(t, f.message.ID, f.broker.delayed[0].env.MessageID)
	assert.Empty(t, f.client.sends)
	assert.Empty(t, f.campaigns.deltas, "deferral must not touch metrics")
}

func TestAdmissionDenialSchedulesRetry(t *testing.T) {
	f := newFix(t)
	f.channel.Throttling.PerMinute = 1
	f.channels.items[f.channel.ID] = f.channel

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))
	require.Len(t, f.client.sends, 1)

	second := &model.Message{
		ID:         uuid.New(),
		CampaignID: f.campaign.ID,
		ChannelID:  f.channel.ID,
		Recipient:  "+15550002222",
		Content:    "second",
		Status:     model.MessageStatusQueued,
	}
	f.messages.items[second.ID] = second

	env := queue.Envelope{MessageID: second.ID, CampaignID: f.campaign.ID}
	require.NoError(t, f.worker.Handle(context.Background(), env))

	assert.Len(t, f.client.sends, 1, "throttled message must not reach transport")

	got, err := f.messages.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusScheduledRetry, got.Status)
	assert.True(t, got.RateLimiterInfo.Throttled)
	require.NotNil(t, got.ScheduledRetryAt)

	require.Len(t, f.broker.delayed, 1)
	assert.GreaterOrEqual(t, f.broker.delayed[0].delay, 55*time.Second)
	assert.LessOrEqual(t, f.broker.delayed[0].delay, 60*time.Second)
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	f := newFix(t)
	f.client.err = transport.Transient("timeout", "connection reset")

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	msg := f.stored(t)
	assert.Equal(t, model.MessageStatusScheduledRetry, msg.Status)
	assert.Equal(t, 1, msg.Retries)

	require.Len(t, f.broker.delayed, 1)
	assert.Equal(t, 30*time.Second, f.broker.delayed[0].delay)
	assert.Empty(t, f.broker.dead)

	require.Len(t, f.health.outcomes, 1)
	assert.False(t, f.health.outcomes[0].Success)
}

func TestRetriesExhaustedRoutesToDeadLetter(t *testing.T) {
	f := newFix(t)
	f.client.err = transport.Transient("timeout", "connection reset")
	f.message.Retries = 3
	f.messages.items[f.message.ID] = f.message

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	assert.Equal(t, model.MessageStatusFailed, f.stored(t).Status)
	assert.Empty(t, f.broker.delayed)
	require.Len(t, f.broker.dead, 1)
	assert.Equal(t, f.message.ID, f.broker.dead[0].MessageID)

	require.Len(t, f.campaigns.deltas, 1)
	assert.Equal(t, model.CampaignMetrics{Failed: 1, Pending: -1}, f.campaigns.deltas[0])
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	f := newFix(t)
	f.client.err = transport.Permanent("invalid_recipient", "number does not exist")

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	msg := f.stored(t)
	assert.Equal(t, model.MessageStatusFailed, msg.Status)
	assert.Zero(t, msg.Retries)
	assert.Empty(t, f.broker.delayed)
	assert.Empty(t, f.broker.dead, "permanent failures skip the dead-letter queue")
}

func TestContentRandomizationApplied(t *testing.T) {
	f := newFix(t)
	f.campaign.AntiSpam.ContentRandomization = true
	f.campaigns.items[f.campaign.ID] = f.campaign

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	msg := f.stored(t)
	assert.True(t, msg.AntiSpamInfo.MarkersInserted)
	assert.NotEmpty(t, msg.AntiSpamInfo.VariantTag)

	require.Len(t, f.client.sends, 1)
	sent := f.client.sends[0].content
	assert.NotEqual(t, f.message.Content, sent, "markers must change the byte content")
}

func TestTypingSimulationBlocksOnlyThisMessage(t *testing.T) {
	f := newFix(t)
	f.campaign.AntiSpam.TypingSimulation = model.TypingSimulation{
		Enabled:  true,
		Duration: 3 * time.Second,
	}
	f.campaigns.items[f.campaign.ID] = f.campaign

	require.NoError(t, f.worker.Handle(context.Background(), f.env()))

	assert.Equal(t, 1, f.client.typingStarts)
	assert.Equal(t, 1, f.client.typingStops)
	assert.Contains(t, f.sleeps, 3*time.Second)
	assert.True(t, f.stored(t).AntiSpamInfo.TypingSimulated)
}

func TestPauseAfterCountOpensPauseWindow(t *testing.T) {
	f := newFix(t)
	f.campaign.AntiSpam.PauseAfter = model.PauseAfter{
		Count:    2,
		Duration: model.DurationRange{Min: 10 * time.Minute, Max: 20 * time.Minute},
	}
	f.campaigns.items[f.campaign.ID] = f.campaign

	for i := 0; i < 2; i++ {
		msg := &model.Message{
			ID:         uuid.New(),
			CampaignID: f.campaign.ID,
			ChannelID:  f.channel.ID,
			Recipient:  "+1555000333",
			Content:    "hi",
			Status:     model.MessageStatusQueued,
		}
		f.messages.items[msg.ID] = msg
		env := queue.Envelope{MessageID: msg.ID, CampaignID: f.campaign.ID}
		require.NoError(t, f.worker.Handle(context.Background(), env))
	}
	require.Len(t, f.client.sends, 2)

	// The pair is paused now; the next message defers with a wait drawn from
	// the configured range.
	require.NoError(t, f.worker.Handle(context.Background(), f.env()))
	assert.Len(t, f.client.sends, 2)
	assert.Equal(t, model.MessageStatusScheduledRetry, f.stored(t).Status)

	require.Len(t, f.broker.delayed, 1)
	assert.GreaterOrEqual(t, f.broker.delayed[0].delay, 9*time.Minute)
	assert.LessOrEqual(t, f.broker.delayed[0].delay, 20*time.Minute)
}

func TestPauseWindowSharedAcrossWorkers(t *testing.T) {
	f := newFix(t)
	f.campaign.AntiSpam.PauseAfter = model.PauseAfter{
		Count:    2,
		Duration: model.DurationRange{Min: 10 * time.Minute, Max: 20 * time.Minute},
	}
	f.campaigns.items[f.campaign.ID] = f.campaign

	// A second worker process sharing the same store must see the first
	// worker's count and the pause window it opens.
	second := NewWorker(DefaultConfig(), f.messages, f.campaigns, f.channels,
		f.broker, f.adm, f.store, f.sel, antispam.New(2), f.health, f.client, nil, f.log)
	second.sleep = func(context.Context, time.Duration) error { return nil }

	workers := []*Worker{f.worker, second}
	for i := 0; i < 2; i++ {
		msg := &model.Message{
			ID:         uuid.New(),
			CampaignID: f.campaign.ID,
			ChannelID:  f.channel.ID,
			Recipient:  "+1555000444",
			Content:    "hi",
			Status:     model.MessageStatusQueued,
		}
		f.messages.items[msg.ID] = msg
		env := queue.Envelope{MessageID: msg.ID, CampaignID: f.campaign.ID}
		require.NoError(t, workers[i].Handle(context.Background(), env))
	}
	require.Len(t, f.client.sends, 2)

	// Threshold reached across both workers: either of them must defer the
	// next message.
	require.NoError(t, second.Handle(context.Background(), f.env()))
	assert.Len(t, f.client.sends, 2, "third send must be parked, not dispatched")
	assert.Equal(t, model.MessageStatusScheduledRetry, f.stored(t).Status)

	require.Len(t, f.broker.delayed, 1)
	assert.GreaterOrEqual(t, f.broker.delayed[0].delay, 9*time.Minute)
}
