package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
)

type templateRepository struct {
	*BaseRepository
}

func NewTemplateRepository(base *BaseRepository) repository.TemplateRepository {
	return &templateRepository{BaseRepository: base}
}

func (r *templateRepository) Get(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	query := `SELECT id, name, body, media_url, created_at, updated_at FROM templates WHERE id = $1`

	var t model.Template
	err := sqlx.GetContext(ctx, r.ext(ctx), &t, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}
