package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// BaseRepository provides shared plumbing for all postgres repositories:
// access to the pool and transaction propagation through the context.
type BaseRepository struct {
	db *sqlx.DB
}

func NewBaseRepository(db *sqlx.DB) *BaseRepository {
	return &BaseRepository{db: db}
}

// Within implements repository.UnitOfWork. Repository calls made with the
// ctx passed to fn run in the same transaction.
func (r *BaseRepository) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ext returns the transaction bound to ctx, or the pool.
func (r *BaseRepository) ext(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return r.db
}
