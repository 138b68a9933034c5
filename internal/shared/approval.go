package shared

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ApprovalLog stamps one workflow transition.
type ApprovalLog struct {
	ID         int64
	Module     string
	RefID      int64
	ActorID    int64
	Role       Role
	Action     string
	FromStatus string
	ToStatus   string
	Note       string
	At         time.Time
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	db     DBTX
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(db DBTX, logger *slog.Logger) *ApprovalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRecorder{db: db, logger: logger}
}

// Record writes approval entry to database.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil || r.db == nil {
		return errors.New("approval recorder not initialised")
	}
	if log.Module == "" {
		return errors.New("approval module required")
	}
	if log.ActorID == 0 {
		return errors.New("approval actor required")
	}
	if log.RefID == 0 {
		return errors.New("approval ref id required")
	}
	if log.Action == "" || log.ToStatus == "" {
		return errors.New("approval action and target status required")
	}
	_, err := r.db.Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, role, action, from_status, to_status, note, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		log.Module, log.RefID, log.ActorID, string(log.Role), log.Action, log.FromStatus, log.ToStatus, log.Note, nullTime(log.At))
	if err != nil {
		r.logger.Error("record approval", slog.Any("error", err))
		return err
	}
	return nil
}

// List returns approvals for module/ref in chronological order.
func (r *ApprovalRecorder) List(ctx context.Context, module string, ref int64) ([]ApprovalLog, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.db.Query(ctx, `SELECT id, module, ref_id, actor_id, role, action, from_status, to_status, note, at
FROM approvals WHERE module=$1 AND ref_id=$2 ORDER BY at ASC, id ASC`, module, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var role string
		if err := rows.Scan(&l.ID, &l.Module, &l.RefID, &l.ActorID, &role, &l.Action, &l.FromStatus, &l.ToStatus, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Role = Role(role)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
