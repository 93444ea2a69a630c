package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	"github.com/relaydesk/dispatch/pkg/logger"
)

type fakeChannelRepo struct {
	channels map[uuid.UUID]*model.Channel
	err      error
}

func (f *fakeChannelRepo) Get(_ context.Context, id uuid.UUID) (*model.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeChannelRepo) ListSendable(context.Context) ([]*model.Channel, error) { return nil, nil }
func (f *fakeChannelRepo) UpdateStatus(context.Context, uuid.UUID, model.ChannelStatus) error {
	return nil
}
func (f *fakeChannelRepo) UpdateHealth(context.Context, uuid.UUID, model.ChannelHealth) error {
	return nil
}
func (f *fakeChannelRepo) RecordUsage(context.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakeChannelRepo) UsageCountSince(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

func newTestController(t *testing.T, ch *model.Channel) (*Controller, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	repo := &fakeChannelRepo{channels: map[uuid.UUID]*model.Channel{}}
	if ch != nil {
		ch.ID = id
		repo.channels[id] = ch
	}
	log := logger.NewLogger(nil)
	return NewController(NewMemoryStore(), repo, DefaultLimits(), log), id
}

func TestAdmitsUpToPerMinuteLimit(t *testing.T) {
	ctrl, id := newTestController(t, &model.Channel{
		Status:     model.ChannelStatusConnected,
		Throttling: model.Throttling{PerMinute: 5},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := ctrl.Check(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "send %d should be admitted", i+1)
	}

	d, err := ctrl.Check(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "minute limit reached")
	// All five admissions happened within the last second, so the slot
	// frees in just under a minute.
	assert.GreaterOrEqual(t, d.Wait, 55*time.Second)
	assert.LessOrEqual(t, d.Wait, time.Minute)
}

func TestHourWindowDeniesIndependently(t *testing.T) {
	ctrl, id := newTestController(t, &model.Channel{
		Throttling: model.Throttling{PerMinute: 100, PerHour: 3},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := ctrl.Check(ctx, id)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := ctrl.Check(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "hour limit reached")
	assert.Greater(t, d.Wait, 59*time.Minute)
}

func TestMissingChannelAdmitsWithWarning(t *testing.T) {
	ctrl, _ := newTestController(t, nil)

	d, err := ctrl.Check(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "channel metadata unavailable", d.Reason)
}

func TestChannelRepoErrorAdmitsWithWarning(t *testing.T) {
	repo := &fakeChannelRepo{err: errors.New("connection refused")}
	ctrl := NewController(NewMemoryStore(), repo, DefaultLimits(), logger.NewLogger(nil))

	d, err := ctrl.Check(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "channel metadata unavailable", d.Reason)
}

func TestDefaultsApplyWhenThrottlingUnset(t *testing.T) {
	ctrl, id := newTestController(t, &model.Channel{})
	ctx := context.Background()

	defaults := DefaultLimits()
	for i := 0; i < defaults.PerMinute; i++ {
		d, err := ctrl.Check(ctx, id)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := ctrl.Check(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestWindowSlotFreesAfterOldestAgesOut(t *testing.T) {
	store := NewMemoryStore()
	key := "ch:minute"
	ctx := context.Background()

	// Two events: one stale, one fresh.
	require.NoError(t, store.Add(ctx, key, time.Now().Add(-2*time.Minute)))
	require.NoError(t, store.Add(ctx, key, time.Now()))

	count, oldest, err := store.Count(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.WithinDuration(t, time.Now(), oldest, time.Second)
}
