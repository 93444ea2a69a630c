package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
)

const campaignColumns = `
	id, name, status, channel_id, template_id, schedule, anti_spam, message_variants,
	metric_total AS "metrics.total",
	metric_pending AS "metrics.pending",
	metric_sent AS "metrics.sent",
	metric_delivered AS "metrics.delivered",
	metric_read AS "metrics.read",
	metric_failed AS "metrics.failed",
	created_at, updated_at`

type campaignRepository struct {
	*BaseRepository
}

func NewCampaignRepository(base *BaseRepository) repository.CampaignRepository {
	return &campaignRepository{BaseRepository: base}
}

func (r *campaignRepository) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	var c model.Campaign
	err := sqlx.GetContext(ctx, r.ext(ctx), &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &c, nil
}

func (r *campaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY created_at ASC`

	var campaigns []*model.Campaign
	if err := sqlx.SelectContext(ctx, r.ext(ctx), &campaigns, query, status); err != nil {
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepository) ListByChannelAndStatus(ctx context.Context, channelID uuid.UUID, status model.CampaignStatus) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE channel_id = $1 AND status = $2 ORDER BY created_at ASC`

	var campaigns []*model.Campaign
	if err := sqlx.SelectContext(ctx, r.ext(ctx), &campaigns, query, channelID, status); err != nil {
		return nil, fmt.Errorf("failed to list campaigns by channel: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepository) TransitionStatus(ctx context.Context, id uuid.UUID, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	query := `
		UPDATE campaigns
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`
	res, err := r.ext(ctx).ExecContext(ctx, query, to, id, pq.Array(states))
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *campaignRepository) MarkRunning(ctx context.Context, id uuid.UUID, total int) error {
	query := `
		UPDATE campaigns
		SET status = $2,
			metric_total = $3,
			metric_pending = $3,
			metric_sent = 0,
			metric_delivered = 0,
			metric_read = 0,
			metric_failed = 0,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.ext(ctx).ExecContext(ctx, query, id, model.CampaignStatusRunning, total)
	if err != nil {
		return fmt.Errorf("failed to mark campaign running: %w", err)
	}
	return nil
}

// IncrementMetrics applies the delta as column increments in a single
// statement, so concurrent workers never lose updates.
func (r *campaignRepository) IncrementMetrics(ctx context.Context, id uuid.UUID, delta model.CampaignMetrics) error {
	query := `
		UPDATE campaigns
		SET metric_total = metric_total + $2,
			metric_pending = metric_pending + $3,
			metric_sent = metric_sent + $4,
			metric_delivered = metric_delivered + $5,
			metric_read = metric_read + $6,
			metric_failed = metric_failed + $7,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.ext(ctx).ExecContext(ctx, query, id,
		delta.Total, delta.Pending, delta.Sent, delta.Delivered, delta.Read, delta.Failed)
	if err != nil {
		return fmt.Errorf("failed to increment campaign metrics: %w", err)
	}
	return nil
}
