package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/model"
)

// ErrNotFound is returned by Get operations when no record matches.
var ErrNotFound = errors.New("record not found")

// UnitOfWork runs fn atomically against the backing store. Repository calls
// made with the ctx passed to fn join the same transaction.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context) error) error
}

type (
	CampaignRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
		ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)
		ListByChannelAndStatus(ctx context.Context, channelID uuid.UUID, status model.CampaignStatus) ([]*model.Campaign, error)
		// TransitionStatus moves the campaign to `to` only if its current
		// status is one of `from`; it reports whether the transition applied.
		TransitionStatus(ctx context.Context, id uuid.UUID, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error)
		// MarkRunning sets status running and resets metrics to
		// total = pending = total, everything else zero.
		MarkRunning(ctx context.Context, id uuid.UUID, total int) error
		// IncrementMetrics applies the delta with atomic column increments.
		IncrementMetrics(ctx context.Context, id uuid.UUID, delta model.CampaignMetrics) error
	}

	MessageRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Message, error)
		GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error)
		BulkInsert(ctx context.Context, messages []*model.Message) error
		// ApplyStatus sets the status and appends a history entry.
		ApplyStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, detail string) error
		// SaveDispatchState persists the dispatch-mutable fields: status,
		// provider id, retries, retry schedule, anti-spam and rate-limiter
		// info, plus a history entry.
		SaveDispatchState(ctx context.Context, msg *model.Message, entry model.StatusHistoryEntry) error
		CountByCampaignCreatedAfter(ctx context.Context, campaignID uuid.UUID, after time.Time) (int, error)
		ListByCampaignAndStatus(ctx context.Context, campaignID uuid.UUID, status model.MessageStatus) ([]*model.Message, error)
		// ListStalled returns messages stuck in dispatch for longer than age:
		// pending or queued rows untouched since then, plus scheduled_retry
		// rows whose retry time passed that long ago. Feeds the
		// reconciliation sweep.
		ListStalled(ctx context.Context, age time.Duration, limit int) ([]*model.Message, error)
		// CancelOpenByCampaign cancels every message of the campaign that has
		// not reached a dispatch-complete or failed state.
		CancelOpenByCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error)
	}

	ChannelRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Channel, error)
		ListSendable(ctx context.Context) ([]*model.Channel, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.ChannelStatus) error
		UpdateHealth(ctx context.Context, id uuid.UUID, health model.ChannelHealth) error
		// RecordUsage appends a usage timestamp and bumps last_used_at.
		RecordUsage(ctx context.Context, id uuid.UUID, at time.Time) error
		UsageCountSince(ctx context.Context, id uuid.UUID, since time.Time) (int, error)
	}

	ContactRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Contact, error)
		ListActive(ctx context.Context) ([]*model.Contact, error)
	}

	TemplateRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Template, error)
	}
)
