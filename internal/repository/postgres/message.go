package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
)

const messageColumns = `
	id, campaign_id, contact_id, channel_id, recipient, content, media_url,
	status, provider_message_id, retries, scheduled_retry_at,
	status_history, anti_spam_info, rate_limiter_info, created_at, updated_at`

type messageRepository struct {
	*BaseRepository
}

func NewMessageRepository(base *BaseRepository) repository.MessageRepository {
	return &messageRepository{BaseRepository: base}
}

func (r *messageRepository) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var m model.Message
	err := sqlx.GetContext(ctx, r.ext(ctx), &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

func (r *messageRepository) GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE provider_message_id = $1`

	var m model.Message
	err := sqlx.GetContext(ctx, r.ext(ctx), &m, query, providerMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by provider id: %w", err)
	}
	return &m, nil
}

func (r *messageRepository) BulkInsert(ctx context.Context, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	query := `
		INSERT INTO messages (
			id, campaign_id, contact_id, channel_id, recipient, content, media_url,
			status, retries, status_history, anti_spam_info, rate_limiter_info,
			created_at, updated_at
		) VALUES (
			:id, :campaign_id, :contact_id, :channel_id, :recipient, :content, :media_url,
			:status, :retries, :status_history, :anti_spam_info, :rate_limiter_info,
			:created_at, :updated_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.ext(ctx), query, messages); err != nil {
		return fmt.Errorf("failed to bulk insert messages: %w", err)
	}
	return nil
}

func (r *messageRepository) ApplyStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, detail string) error {
	entry, err := json.Marshal(model.StatusHistoryEntry{
		Status:    status,
		Timestamp: time.Now(),
		Detail:    detail,
	})
	if err != nil {
		return err
	}

	query := `
		UPDATE messages
		SET status = $2,
			status_history = status_history || $3::jsonb,
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.ext(ctx).ExecContext(ctx, query, id, status, entry); err != nil {
		return fmt.Errorf("failed to apply message status: %w", err)
	}
	return nil
}

func (r *messageRepository) SaveDispatchState(ctx context.Context, msg *model.Message, entry model.StatusHistoryEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	query := `
		UPDATE messages
		SET status = $2,
			provider_message_id = $3,
			retries = $4,
			scheduled_retry_at = $5,
			anti_spam_info = $6,
			rate_limiter_info = $7,
			status_history = status_history || $8::jsonb,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err = r.ext(ctx).ExecContext(ctx, query,
		msg.ID, msg.Status, msg.ProviderMessageID, msg.Retries, msg.ScheduledRetryAt,
		msg.AntiSpamInfo, msg.RateLimiterInfo, entryJSON)
	if err != nil {
		return fmt.Errorf("failed to save dispatch state: %w", err)
	}
	return nil
}

func (r *messageRepository) CountByCampaignCreatedAfter(ctx context.Context, campaignID uuid.UUID, after time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE campaign_id = $1 AND created_at > $2`

	var count int
	if err := sqlx.GetContext(ctx, r.ext(ctx), &count, query, campaignID, after); err != nil {
		return 0, fmt.Errorf("failed to count campaign messages: %w", err)
	}
	return count, nil
}

func (r *messageRepository) ListByCampaignAndStatus(ctx context.Context, campaignID uuid.UUID, status model.MessageStatus) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE campaign_id = $1 AND status = $2 ORDER BY created_at ASC`

	var messages []*model.Message
	if err := sqlx.SelectContext(ctx, r.ext(ctx), &messages, query, campaignID, status); err != nil {
		return nil, fmt.Errorf("failed to list campaign messages: %w", err)
	}
	return messages, nil
}

func (r *messageRepository) ListStalled(ctx context.Context, age time.Duration, limit int) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (status IN ($1, $2) AND updated_at < $4)
		   OR (status = $3 AND scheduled_retry_at IS NOT NULL AND scheduled_retry_at < $4)
		ORDER BY updated_at ASC
		LIMIT $5
	`
	var messages []*model.Message
	cutoff := time.Now().Add(-age)
	err := sqlx.SelectContext(ctx, r.ext(ctx), &messages, query,
		model.MessageStatusPending, model.MessageStatusQueued,
		model.MessageStatusScheduledRetry, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled messages: %w", err)
	}
	return messages, nil
}

func (r *messageRepository) CancelOpenByCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	entry, err := json.Marshal(model.StatusHistoryEntry{
		Status:    model.MessageStatusCanceled,
		Timestamp: time.Now(),
		Detail:    "campaign canceled",
	})
	if err != nil {
		return 0, err
	}

	query := `
		UPDATE messages
		SET status = $2,
			status_history = status_history || $3::jsonb,
			updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ($4, $5, $6)
	`
	res, err := r.ext(ctx).ExecContext(ctx, query, campaignID, model.MessageStatusCanceled, entry,
		model.MessageStatusPending, model.MessageStatusQueued, model.MessageStatusScheduledRetry)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel campaign messages: %w", err)
	}
	return res.RowsAffected()
}
