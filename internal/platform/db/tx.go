package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

var _ Beginner = (*pgxpool.Pool)(nil)

// WithTx executes a function within a transaction using the RepeatableRead
// isolation level. The returned error is classified; see Classify.
func WithTx(ctx context.Context, pool Beginner, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return Classify(fmt.Errorf("platform/db: begin tx: %w", err))
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// Classify maps store failures onto the shared error taxonomy. Errors that
// already carry a taxonomy sentinel pass through untouched.
func Classify(err error) error {
	if err == nil || shared.IsDomain(err) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", shared.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			// serialization failure, deadlock, lock timeout, duplicate key
			return fmt.Errorf("%w: %v", shared.ErrConflict, err)
		case "23514":
			// a CHECK constraint (e.g. balance >= 0) raced a concurrent writer
			return fmt.Errorf("%w: %v", shared.ErrConflict, err)
		case "23503", "22P02":
			// dangling reference, malformed input
			return fmt.Errorf("%w: %v", shared.ErrValidation, err)
		}
		return fmt.Errorf("%w: %v", shared.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", shared.ErrTransient, err)
}
