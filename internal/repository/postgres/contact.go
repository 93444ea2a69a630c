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

type contactRepository struct {
	*BaseRepository
}

func NewContactRepository(base *BaseRepository) repository.ContactRepository {
	return &contactRepository{BaseRepository: base}
}

func (r *contactRepository) Get(ctx context.Context, id uuid.UUID) (*model.Contact, error) {
	query := `SELECT id, name, phone, variables, active, created_at, updated_at FROM contacts WHERE id = $1`

	var c model.Contact
	err := sqlx.GetContext(ctx, r.ext(ctx), &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

func (r *contactRepository) ListActive(ctx context.Context) ([]*model.Contact, error) {
	query := `SELECT id, name, phone, variables, active, created_at, updated_at FROM contacts WHERE active ORDER BY created_at ASC`

	var contacts []*model.Contact
	if err := sqlx.SelectContext(ctx, r.ext(ctx), &contacts, query); err != nil {
		return nil, fmt.Errorf("failed to list active contacts: %w", err)
	}
	return contacts, nil
}
