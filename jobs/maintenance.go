package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"

	jobmetrics "github.com/odyssey-erp/odyssey-caisse/internal/jobs"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

const defaultRetention = 30 * 24 * time.Hour

// Cleaner prunes idempotency keys.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupJob removes idempotency keys past their retention.
type CleanupJob struct {
	Store   Cleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCleanupJob initialises the cleanup handler.
func NewCleanupJob(db shared.DBTX, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	return &CleanupJob{Store: shared.NewIdempotencyStore(db), Logger: logger, Metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("idempotency cleanup: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultRetention
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	removed, err := j.Store.Cleanup(ctx, payload.Retention)
	if err != nil {
		return err
	}
	loggerOf(j.Logger).Info("idempotency keys pruned",
		slog.Int64("removed", removed),
		slog.Duration("retention", payload.Retention))
	return nil
}

// Drift is an account whose stored balance differs from its entries.
type Drift struct {
	AccountID int64
	Code      string
	Balance   int64
	Entries   int64
}

// LedgerIntegrityJob compares each cash account balance with the sum of its
// ledger entry deltas.
type LedgerIntegrityJob struct {
	DB      shared.DBTX
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(db shared.DBTX, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{DB: db, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLedgerIntegrity tasks. Drift is logged and counted,
// never repaired.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.DB == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() {
		err = tracker.End(err)
	}()
	drifts, err := j.Check(ctx)
	if err != nil {
		return err
	}
	logger := loggerOf(j.Logger)
	for _, d := range drifts {
		logger.Error("cash balance drift",
			slog.Int64("account_id", d.AccountID),
			slog.String("code", d.Code),
			slog.Int64("balance", d.Balance),
			slog.Int64("entries", d.Entries))
	}
	j.Metrics.SetLedgerDrift(len(drifts))
	logger.Info("ledger integrity checked", slog.Int("drifts", len(drifts)))
	return nil
}

// Check returns every drifting account.
func (j *LedgerIntegrityJob) Check(ctx context.Context) ([]Drift, error) {
	rows, err := j.DB.Query(ctx, `SELECT a.id, a.code, a.balance, COALESCE(SUM(e.delta), 0)
FROM cash_accounts a
LEFT JOIN ledger_entries e ON e.account_id = a.id
GROUP BY a.id, a.code, a.balance
HAVING a.balance <> COALESCE(SUM(e.delta), 0)
ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Drift, error) {
		var d Drift
		err := row.Scan(&d.AccountID, &d.Code, &d.Balance, &d.Entries)
		return d, err
	})
}

func loggerOf(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
