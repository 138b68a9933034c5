package procurement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-caisse/internal/caisse"
	"github.com/odyssey-erp/odyssey-caisse/internal/platform/db"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
	"github.com/odyssey-erp/odyssey-caisse/internal/workflow"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			tx:        tx,
			audit:     shared.NewAuditLogger(tx),
			approvals: shared.NewApprovalRecorder(tx, r.logger),
			ledger:    caisse.NewTxRepository(tx),
		})
	})
}

// GetRequest loads a request header.
func (r *Repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, selectRequest+` WHERE id=$1`, id))
	return req, db.Classify(err)
}

// ListLines returns the lines of a request.
func (r *Repository) ListLines(ctx context.Context, requestID int64) ([]LineItem, error) {
	lines, err := listLines(ctx, r.pool, requestID)
	return lines, db.Classify(err)
}

// ListTransitions returns the transition stamps of a request, oldest first.
func (r *Repository) ListTransitions(ctx context.Context, requestType workflow.RequestType, requestID int64) ([]shared.ApprovalLog, error) {
	logs, err := shared.NewApprovalRecorder(r.pool, r.logger).List(ctx, string(requestType), requestID)
	return logs, db.Classify(err)
}

type txRepo struct {
	tx        pgx.Tx
	audit     *shared.AuditLogger
	approvals *shared.ApprovalRecorder
	ledger    caisse.TxRepository
}

const selectRequest = `SELECT id, type, reference, requester_id, department, currency, priority, justification,
status, total, version, created_at, updated_at FROM requests`

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req                   Request
		typ, priority, status string
	)
	err := row.Scan(&req.ID, &typ, &req.Reference, &req.RequesterID, &req.Department, &req.Currency, &priority,
		&req.Justification, &status, &req.Total, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	req.Type = workflow.RequestType(typ)
	req.Priority = Priority(priority)
	req.Status = workflow.Status(status)
	return req, err
}

func (r *txRepo) CreateRequest(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO requests
(type, reference, requester_id, department, currency, priority, justification, status, total, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		string(req.Type), req.Reference, req.RequesterID, req.Department, req.Currency, string(req.Priority),
		req.Justification, string(req.Status), req.Total, req.Version, req.CreatedAt, req.UpdatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) GetRequestForUpdate(ctx context.Context, id int64) (Request, error) {
	return scanRequest(r.tx.QueryRow(ctx, selectRequest+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepo) ListLines(ctx context.Context, requestID int64) ([]LineItem, error) {
	return listLines(ctx, r.tx, requestID)
}

func (r *txRepo) InsertLine(ctx context.Context, line LineItem) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO request_lines (request_id, description, quantity, unit_price, total)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, line.RequestID, line.Description, line.Quantity, line.UnitPrice, line.Total).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateLinePrice(ctx context.Context, lineID int64, unitPrice float64, total int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE request_lines SET unit_price=$2, total=$3 WHERE id=$1`, lineID, unitPrice, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) UpdateState(ctx context.Context, change StateChange) error {
	tag, err := r.tx.Exec(ctx, `UPDATE requests
SET status=$2, total=$3, version=version+1, updated_at=$4
WHERE id=$1 AND status=$5 AND version=$6`,
		change.ID, string(change.ToStatus), change.Total, change.At, string(change.FromStatus), change.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRequest
	}
	return nil
}

func (r *txRepo) RecordTransition(ctx context.Context, log shared.ApprovalLog) error {
	return r.approvals.Record(ctx, log)
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, log)
}

func (r *txRepo) Ledger() caisse.TxRepository {
	return r.ledger
}

func listLines(ctx context.Context, q shared.DBTX, requestID int64) ([]LineItem, error) {
	rows, err := q.Query(ctx, `SELECT id, request_id, description, quantity, unit_price, total
FROM request_lines WHERE request_id=$1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Description, &l.Quantity, &l.UnitPrice, &l.Total); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
