package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/db"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// PgStore implements Store on PostgreSQL.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PgStore.
func NewStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// LoadUser returns the user with its roles.
func (s *PgStore) LoadUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, active, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, db.Classify(err)
	}
	rows, err := s.pool.Query(ctx, `SELECT role FROM user_roles WHERE user_id=$1 ORDER BY role`, id)
	if err != nil {
		return User{}, db.Classify(err)
	}
	roles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return User{}, db.Classify(err)
	}
	for _, r := range roles {
		u.Roles = append(u.Roles, shared.ParseRole(r))
	}
	return u, nil
}

// CreateUser inserts an active user.
func (s *PgStore) CreateUser(ctx context.Context, name, email string) (User, error) {
	u := User{Name: name, Email: email, Active: true}
	err := s.pool.QueryRow(ctx, `INSERT INTO users (name, email) VALUES ($1, $2) RETURNING id, created_at`, name, email).
		Scan(&u.ID, &u.CreatedAt)
	return u, db.Classify(err)
}

// GrantRole is idempotent.
func (s *PgStore) GrantRole(ctx context.Context, userID int64, role shared.Role) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, string(role))
	return db.Classify(err)
}

// RevokeRole is idempotent.
func (s *PgStore) RevokeRole(ctx context.Context, userID int64, role shared.Role) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id=$1 AND role=$2`, userID, string(role))
	return db.Classify(err)
}
