package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/db"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// PgRepository reads audit_logs from PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const selectLogs = `SELECT id, actor_id, role, action, entity, entity_id, before, after, meta, occurred_at, prev_hash, hash
FROM audit_logs`

const filterLogs = `
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::bigint IS NULL OR actor_id = $3)
  AND ($4::text IS NULL OR entity = $4)
  AND ($5::text IS NULL OR entity_id = $5)
  AND ($6::text IS NULL OR action LIKE $6 || '%')`

// TimelineWindow returns one page, newest first.
func (r *PgRepository) TimelineWindow(ctx context.Context, arg QueryParams) ([]shared.AuditLog, error) {
	logs, err := r.query(ctx, selectLogs+filterLogs+` ORDER BY occurred_at DESC, id DESC OFFSET $7 LIMIT $8`,
		arg.FromAt, arg.ToAt, arg.ActorID, arg.Entity, arg.EntityID, arg.Action, arg.OffsetRows, arg.LimitRows)
	return logs, db.Classify(err)
}

// TimelineAll returns every match, newest first.
func (r *PgRepository) TimelineAll(ctx context.Context, arg QueryParams) ([]shared.AuditLog, error) {
	logs, err := r.query(ctx, selectLogs+filterLogs+` ORDER BY occurred_at DESC, id DESC`,
		arg.FromAt, arg.ToAt, arg.ActorID, arg.Entity, arg.EntityID, arg.Action)
	return logs, db.Classify(err)
}

// Chain returns the entries of one entity in insertion order.
func (r *PgRepository) Chain(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	logs, err := r.query(ctx, selectLogs+` WHERE entity=$1 AND entity_id=$2 ORDER BY id`, entity, entityID)
	return logs, db.Classify(err)
}

func (r *PgRepository) query(ctx context.Context, sql string, args ...any) ([]shared.AuditLog, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanLog)
}

func scanLog(row pgx.CollectableRow) (shared.AuditLog, error) {
	var (
		l                   shared.AuditLog
		role                string
		before, after, meta []byte
	)
	if err := row.Scan(&l.ID, &l.ActorID, &role, &l.Action, &l.Entity, &l.EntityID, &before, &after, &meta, &l.At, &l.PrevHash, &l.Hash); err != nil {
		return shared.AuditLog{}, err
	}
	l.Role = shared.Role(role)
	for _, f := range []struct {
		raw    []byte
		target *map[string]any
	}{{before, &l.Before}, {after, &l.After}, {meta, &l.Meta}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.target); err != nil {
			return shared.AuditLog{}, err
		}
	}
	l.At = l.At.UTC()
	return l, nil
}
