package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
)

const channelColumns = `
	id, name, identifier, status, throttling, health, last_used_at, created_at, updated_at`

type channelRepository struct {
	*BaseRepository
}

func NewChannelRepository(base *BaseRepository) repository.ChannelRepository {
	return &channelRepository{BaseRepository: base}
}

func (r *channelRepository) Get(ctx context.Context, id uuid.UUID) (*model.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`

	var c model.Channel
	err := sqlx.GetContext(ctx, r.ext(ctx), &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &c, nil
}

func (r *channelRepository) ListSendable(ctx context.Context) ([]*model.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE status IN ($1, $2) ORDER BY id ASC`

	var channels []*model.Channel
	err := sqlx.SelectContext(ctx, r.ext(ctx), &channels, query,
		model.ChannelStatusConnected, model.ChannelStatusWarning)
	if err != nil {
		return nil, fmt.Errorf("failed to list sendable channels: %w", err)
	}
	return channels, nil
}

func (r *channelRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ChannelStatus) error {
	query := `UPDATE channels SET status = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.ext(ctx).ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update channel status: %w", err)
	}
	return nil
}

func (r *channelRepository) UpdateHealth(ctx context.Context, id uuid.UUID, health model.ChannelHealth) error {
	query := `UPDATE channels SET health = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.ext(ctx).ExecContext(ctx, query, id, health); err != nil {
		return fmt.Errorf("failed to update channel health: %w", err)
	}
	return nil
}

func (r *channelRepository) RecordUsage(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		WITH ins AS (
			INSERT INTO channel_usage (channel_id, used_at) VALUES ($1, $2) RETURNING 1
		)
		UPDATE channels SET last_used_at = $2, updated_at = NOW() WHERE id = $1
	`
	if _, err := r.ext(ctx).ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to record channel usage: %w", err)
	}
	return nil
}

func (r *channelRepository) UsageCountSince(ctx context.Context, id uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM channel_usage WHERE channel_id = $1 AND used_at > $2`

	var count int
	if err := sqlx.GetContext(ctx, r.ext(ctx), &count, query, id, since); err != nil {
		return 0, fmt.Errorf("failed to count channel usage: %w", err)
	}
	return count, nil
}
