package caisse

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/db"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetAccount reads an account without locking it.
func (r *Repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	acc, err := scanAccount(r.pool.QueryRow(ctx, selectAccount+` WHERE id=$1`, id))
	return acc, db.Classify(err)
}

// GetTransaction returns a transaction with its entries.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	txn, err := getTransaction(ctx, r.pool, id)
	return txn, db.Classify(err)
}

type txRepo struct {
	tx          pgx.Tx
	audit       *shared.AuditLogger
	idempotency *shared.IdempotencyStore
}

// NewTxRepository binds the ledger operations to an open transaction. Other
// modules use it to post ledger legs inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx, audit: shared.NewAuditLogger(tx), idempotency: shared.NewIdempotencyStore(tx)}
}

const selectAccount = `SELECT id, code, name, currency, balance, active, version, updated_at FROM cash_accounts`

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	err := row.Scan(&acc.ID, &acc.Code, &acc.Name, &acc.Currency, &acc.Balance, &acc.Active, &acc.Version, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return acc, err
}

func (r *txRepo) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, selectAccount+` WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepo) ApplyDelta(ctx context.Context, account Account, delta int64) (Account, error) {
	row := r.tx.QueryRow(ctx, `UPDATE cash_accounts
SET balance = balance + $2, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $3 AND balance + $2 >= 0
RETURNING id, code, name, currency, balance, active, version, updated_at`, account.ID, delta, account.Version)
	updated, err := scanAccount(row)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, ErrStaleAccount
	}
	return updated, err
}

func (r *txRepo) InsertTransaction(ctx context.Context, txn Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_transactions
(type, source_id, destination_id, amount, justification, actor_id, request_type, request_id, corrects_id, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		string(txn.Type), nullID(txn.SourceID), nullID(txn.DestinationID), txn.Amount, txn.Justification, txn.ActorID,
		nullText(txn.RequestType), nullID(txn.RequestID), nullID(txn.CorrectsID), nullText(txn.IdempotencyKey), txn.CreatedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepo) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (transaction_id, account_id, leg, delta, balance_before, balance_after)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, e.TransactionID, e.AccountID, string(e.Leg), e.Delta, e.BalanceBefore, e.BalanceAfter).Scan(&id)
	return id, err
}

func (r *txRepo) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return getTransaction(ctx, r.tx, id)
}

func (r *txRepo) LatestCorrection(ctx context.Context, paymentID int64) (Transaction, bool, error) {
	txn, err := scanTransaction(r.tx.QueryRow(ctx, selectTransaction+` WHERE corrects_id=$1 ORDER BY id DESC LIMIT 1`, paymentID))
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func (r *txRepo) FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error) {
	txn, err := scanTransaction(r.tx.QueryRow(ctx, selectTransaction+` WHERE idempotency_key=$1`, key))
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	entries, err := listEntries(ctx, r.tx, txn.ID)
	if err != nil {
		return Transaction{}, false, err
	}
	txn.Entries = entries
	return txn, true, nil
}

func (r *txRepo) ClaimIdempotencyKey(ctx context.Context, key string) error {
	return r.idempotency.CheckAndInsert(ctx, key, "caisse")
}

func (r *txRepo) RequestStatus(ctx context.Context, requestType string, requestID int64) (string, error) {
	var status string
	err := r.tx.QueryRow(ctx, `SELECT status FROM requests WHERE type=$1 AND id=$2`, requestType, requestID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", shared.ErrNotFound
	}
	return status, err
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, log)
}

const selectTransaction = `SELECT id, type, COALESCE(source_id, 0), COALESCE(destination_id, 0), amount, justification, actor_id,
COALESCE(request_type, ''), COALESCE(request_id, 0), COALESCE(corrects_id, 0), COALESCE(idempotency_key, ''), created_at
FROM ledger_transactions`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var txn Transaction
	var typ string
	err := row.Scan(&txn.ID, &typ, &txn.SourceID, &txn.DestinationID, &txn.Amount, &txn.Justification, &txn.ActorID,
		&txn.RequestType, &txn.RequestID, &txn.CorrectsID, &txn.IdempotencyKey, &txn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	txn.Type = TransactionType(typ)
	return txn, err
}

func getTransaction(ctx context.Context, q shared.DBTX, id int64) (Transaction, error) {
	txn, err := scanTransaction(q.QueryRow(ctx, selectTransaction+` WHERE id=$1`, id))
	if err != nil {
		return Transaction{}, err
	}
	entries, err := listEntries(ctx, q, id)
	if err != nil {
		return Transaction{}, err
	}
	txn.Entries = entries
	return txn, nil
}

func listEntries(ctx context.Context, q shared.DBTX, txnID int64) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT id, transaction_id, account_id, leg, delta, balance_before, balance_after
FROM ledger_entries WHERE transaction_id=$1 ORDER BY id`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var leg string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &leg, &e.Delta, &e.BalanceBefore, &e.BalanceAfter); err != nil {
			return nil, err
		}
		e.Leg = Leg(leg)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
