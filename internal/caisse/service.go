package caisse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-caisse/internal/money"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	// ApplyDelta updates the balance only if the version still matches and the
	// result stays non-negative; otherwise it returns ErrStaleAccount.
	ApplyDelta(ctx context.Context, account Account, delta int64) (Account, error)
	InsertTransaction(ctx context.Context, txn Transaction) (int64, error)
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	LatestCorrection(ctx context.Context, paymentID int64) (Transaction, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error)
	ClaimIdempotencyKey(ctx context.Context, key string) error
	RequestStatus(ctx context.Context, requestType string, requestID int64) (string, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// MetricsRecorder receives ledger outcomes.
type MetricsRecorder interface {
	ObserveLedger(operation, outcome string)
}

// Service applies ledger operations.
type Service struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time
	reads   singleflight.Group
}

// NewService constructs the caisse service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMetrics attaches a metrics recorder.
func (s *Service) WithMetrics(m MetricsRecorder) *Service {
	s.metrics = m
	return s
}

// OperationInput describes a manual ledger operation. For a correction,
// PaymentID names the original payment and SourceID the account that should
// have borne it; Amount may be left zero.
type OperationInput struct {
	Type           TransactionType
	SourceID       int64
	DestinationID  int64
	PaymentID      int64
	Amount         float64
	Justification  string
	Actor          shared.Actor
	IdempotencyKey string
}

// OperationResult returns the recorded transaction and the resulting balance
// of every touched account.
type OperationResult struct {
	Transaction Transaction
	Balances    map[int64]int64
	Replayed    bool
}

// PaymentInput describes the payment leg of a workflow transition.
type PaymentInput struct {
	AccountID   int64
	Amount      int64
	Currency    string
	RequestType string
	RequestID   int64
	Reference   string
	Actor       shared.Actor
	Role        shared.Role
}

// ApplyOperation runs a replenishment, transfer or correction as one unit.
// On failure a failed-attempt audit entry is written separately.
func (s *Service) ApplyOperation(ctx context.Context, in OperationInput) (OperationResult, error) {
	amount, err := money.Round(in.Amount)
	in.Justification = strings.TrimSpace(in.Justification)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

	var result OperationResult
	if err == nil {
		err = s.precheck(in, amount)
	}
	if err == nil {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if in.IdempotencyKey != "" {
				existing, found, err := tx.FindByIdempotencyKey(ctx, in.IdempotencyKey)
				if err != nil {
					return err
				}
				if found {
					if existing.Type != in.Type {
						return fmt.Errorf("%w: idempotency key reused for %s", shared.ErrValidation, existing.Type)
					}
					result = OperationResult{Transaction: existing, Replayed: true}
					return nil
				}
				if err := tx.ClaimIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
					return err
				}
			}
			var (
				txn      Transaction
				balances map[int64]int64
				err      error
			)
			switch in.Type {
			case TypeReplenishment:
				txn, balances, err = s.replenish(ctx, tx, in, amount)
			case TypeTransfer:
				txn, balances, err = s.transfer(ctx, tx, in, amount)
			case TypeCorrection:
				txn, balances, err = s.correct(ctx, tx, in, amount)
			}
			if err != nil {
				return err
			}
			result = OperationResult{Transaction: txn, Balances: balances}
			return nil
		})
	}
	if err != nil {
		s.observe(string(in.Type), shared.KindOf(err))
		s.recordFailure(ctx, in, amount, err)
		return OperationResult{}, err
	}
	if result.Replayed {
		balances, err := s.currentBalances(ctx, result.Transaction)
		if err != nil {
			return OperationResult{}, err
		}
		result.Balances = balances
		s.observe(string(in.Type), "replayed")
		return result, nil
	}
	s.observe(string(in.Type), "ok")
	return result, nil
}

// PayInTx debits the designated account inside the caller's transaction.
func (s *Service) PayInTx(ctx context.Context, tx TxRepository, in PaymentInput) (Transaction, error) {
	if in.Amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
	}
	if in.AccountID <= 0 {
		return Transaction{}, fmt.Errorf("%w: cash account is required", shared.ErrValidation)
	}
	accounts, err := lockAccounts(ctx, tx, in.AccountID)
	if err != nil {
		return Transaction{}, err
	}
	acc := accounts[in.AccountID]
	if !acc.Active {
		return Transaction{}, ErrAccountInactive
	}
	if in.Currency != "" && acc.Currency != in.Currency {
		return Transaction{}, fmt.Errorf("%w: caisse %s holds %s, request is in %s", ErrCurrencyMismatch, acc.Code, acc.Currency, in.Currency)
	}
	if acc.Balance < in.Amount {
		return Transaction{}, insufficient(acc, in.Amount)
	}
	txn := Transaction{
		Type:          TypePayment,
		SourceID:      acc.ID,
		Amount:        in.Amount,
		Justification: fmt.Sprintf("Paiement %s", in.Reference),
		ActorID:       in.Actor.ID,
		RequestType:   in.RequestType,
		RequestID:     in.RequestID,
		CreatedAt:     s.now(),
	}
	txn, _, err = s.post(ctx, tx, txn, in.Role, []leg{{account: acc, delta: -in.Amount, name: LegDebit}})
	if err != nil {
		return Transaction{}, err
	}
	s.observe(string(TypePayment), "ok")
	return txn, nil
}

// Balance returns the account with its current balance. Concurrent reads of
// the same account share one query.
func (s *Service) Balance(ctx context.Context, id int64) (Account, error) {
	ch := s.reads.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), balanceReadTimeout)
		defer cancel()
		return s.repo.GetAccount(readCtx, id)
	})
	select {
	case <-ctx.Done():
		return Account{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Account{}, res.Err
		}
		return res.Val.(Account), nil
	}
}

// balanceReadTimeout bounds a collapsed balance read, which no longer follows
// any single caller's context.
const balanceReadTimeout = 5 * time.Second

// GetTransaction returns a ledger transaction with its entries.
func (s *Service) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

func (s *Service) precheck(in OperationInput, amount int64) error {
	roles, ok := operationRoles[in.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported operation %q", shared.ErrValidation, in.Type)
	}
	if _, ok := in.Actor.HasAny(roles...); !ok {
		return fmt.Errorf("%w: %s requires one of %v", shared.ErrUnauthorized, in.Type, roles)
	}
	if minLen := minJustification[in.Type]; utf8.RuneCountInString(in.Justification) < minLen {
		return fmt.Errorf("%w: justification must be at least %d characters", shared.ErrValidation, minLen)
	}
	if in.Type == TypeCorrection {
		if amount < 0 {
			return fmt.Errorf("%w: amount must not be negative", shared.ErrValidation)
		}
		return nil
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	}
	return nil
}

func (s *Service) replenish(ctx context.Context, tx TxRepository, in OperationInput, amount int64) (Transaction, map[int64]int64, error) {
	if in.DestinationID <= 0 {
		return Transaction{}, nil, fmt.Errorf("%w: destination account is required", shared.ErrValidation)
	}
	accounts, err := lockAccounts(ctx, tx, in.DestinationID)
	if err != nil {
		return Transaction{}, nil, err
	}
	dst := accounts[in.DestinationID]
	if !dst.Active {
		return Transaction{}, nil, ErrAccountInactive
	}
	txn := s.header(in, amount)
	role, _ := in.Actor.HasAny(operationRoles[in.Type]...)
	return s.post(ctx, tx, txn, role, []leg{{account: dst, delta: amount, name: LegCredit}})
}

func (s *Service) transfer(ctx context.Context, tx TxRepository, in OperationInput, amount int64) (Transaction, map[int64]int64, error) {
	if in.SourceID <= 0 || in.DestinationID <= 0 {
		return Transaction{}, nil, fmt.Errorf("%w: source and destination accounts are required", shared.ErrValidation)
	}
	if in.SourceID == in.DestinationID {
		return Transaction{}, nil, fmt.Errorf("%w: source and destination must differ", shared.ErrValidation)
	}
	accounts, err := lockAccounts(ctx, tx, in.SourceID, in.DestinationID)
	if err != nil {
		return Transaction{}, nil, err
	}
	src, dst := accounts[in.SourceID], accounts[in.DestinationID]
	if !src.Active || !dst.Active {
		return Transaction{}, nil, ErrAccountInactive
	}
	if src.Currency != dst.Currency {
		return Transaction{}, nil, ErrCurrencyMismatch
	}
	if src.Balance < amount {
		return Transaction{}, nil, insufficient(src, amount)
	}
	txn := s.header(in, amount)
	role, _ := in.Actor.HasAny(operationRoles[in.Type]...)
	return s.post(ctx, tx, txn, role, []leg{
		{account: src, delta: -amount, name: LegDebit},
		{account: dst, delta: amount, name: LegCredit},
	})
}

// correct moves a settled payment from the account that bore it (W) to the
// account that should have (C): W is credited back and C is debited, under
// one justification and one timestamp.
func (s *Service) correct(ctx context.Context, tx TxRepository, in OperationInput, amount int64) (Transaction, map[int64]int64, error) {
	if in.PaymentID <= 0 || in.SourceID <= 0 {
		return Transaction{}, nil, fmt.Errorf("%w: payment and correct account are required", shared.ErrValidation)
	}
	payment, err := tx.GetTransaction(ctx, in.PaymentID)
	if err != nil {
		return Transaction{}, nil, err
	}
	if payment.Type != TypePayment {
		return Transaction{}, nil, fmt.Errorf("%w: transaction %d is a %s, not a payment", shared.ErrValidation, payment.ID, payment.Type)
	}
	status, err := tx.RequestStatus(ctx, payment.RequestType, payment.RequestID)
	if err != nil {
		return Transaction{}, nil, err
	}
	if status != settledStatus {
		return Transaction{}, nil, fmt.Errorf("%w: request %d is %s, not settled", shared.ErrValidation, payment.RequestID, status)
	}
	if amount != 0 && amount != payment.Amount {
		return Transaction{}, nil, fmt.Errorf("%w: correction amount %d differs from payment amount %d", shared.ErrValidation, amount, payment.Amount)
	}
	wrongID := payment.SourceID
	latest, found, err := tx.LatestCorrection(ctx, payment.ID)
	if err != nil {
		return Transaction{}, nil, err
	}
	if found {
		wrongID = latest.SourceID
	}
	if wrongID == in.SourceID {
		return Transaction{}, nil, fmt.Errorf("%w: payment %d is already borne by account %d", shared.ErrValidation, payment.ID, wrongID)
	}
	accounts, err := lockAccounts(ctx, tx, wrongID, in.SourceID)
	if err != nil {
		return Transaction{}, nil, err
	}
	wrong, right := accounts[wrongID], accounts[in.SourceID]
	if !right.Active {
		return Transaction{}, nil, ErrAccountInactive
	}
	if wrong.Currency != right.Currency {
		return Transaction{}, nil, ErrCurrencyMismatch
	}
	if right.Balance < payment.Amount {
		return Transaction{}, nil, insufficient(right, payment.Amount)
	}
	txn := s.header(in, payment.Amount)
	txn.SourceID = right.ID
	txn.DestinationID = wrong.ID
	txn.CorrectsID = payment.ID
	txn.RequestType = payment.RequestType
	txn.RequestID = payment.RequestID
	role, _ := in.Actor.HasAny(operationRoles[in.Type]...)
	return s.post(ctx, tx, txn, role, []leg{
		{account: wrong, delta: payment.Amount, name: LegReversal},
		{account: right, delta: -payment.Amount, name: LegCorrective},
	})
}

const settledStatus = "paid"

type leg struct {
	account Account
	delta   int64
	name    Leg
}

// post writes the header, applies every leg and audits each touched account.
func (s *Service) post(ctx context.Context, tx TxRepository, txn Transaction, role shared.Role, legs []leg) (Transaction, map[int64]int64, error) {
	id, err := tx.InsertTransaction(ctx, txn)
	if err != nil {
		return Transaction{}, nil, err
	}
	txn.ID = id
	balances := make(map[int64]int64, len(legs))
	for _, l := range legs {
		if _, err := money.Sum(l.account.Balance, l.delta); err != nil {
			return Transaction{}, nil, fmt.Errorf("%w: account %d balance would exceed %d", shared.ErrValidation, l.account.ID, money.MaxAmount)
		}
		updated, err := tx.ApplyDelta(ctx, l.account, l.delta)
		if err != nil {
			return Transaction{}, nil, err
		}
		entry := Entry{
			TransactionID: id,
			AccountID:     l.account.ID,
			Leg:           l.name,
			Delta:         l.delta,
			BalanceBefore: l.account.Balance,
			BalanceAfter:  updated.Balance,
		}
		entryID, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return Transaction{}, nil, err
		}
		entry.ID = entryID
		txn.Entries = append(txn.Entries, entry)
		balances[l.account.ID] = updated.Balance

		meta := map[string]any{
			"transaction_id": id,
			"leg":            string(l.name),
			"amount":         txn.Amount,
			"justification":  txn.Justification,
		}
		if txn.CorrectsID != 0 {
			meta["corrects_id"] = txn.CorrectsID
			meta["old_account_id"] = txn.DestinationID
			meta["new_account_id"] = txn.SourceID
		}
		if txn.RequestID != 0 {
			meta["request_type"] = txn.RequestType
			meta["request_id"] = txn.RequestID
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  txn.ActorID,
			Role:     role,
			Action:   "caisse." + string(txn.Type),
			Entity:   "caisse",
			EntityID: strconv.FormatInt(l.account.ID, 10),
			Before:   map[string]any{"balance": l.account.Balance, "version": l.account.Version},
			After:    map[string]any{"balance": updated.Balance, "version": updated.Version},
			Meta:     meta,
			At:       txn.CreatedAt,
		}); err != nil {
			return Transaction{}, nil, err
		}
	}
	return txn, balances, nil
}

func (s *Service) header(in OperationInput, amount int64) Transaction {
	return Transaction{
		Type:           in.Type,
		SourceID:       in.SourceID,
		DestinationID:  in.DestinationID,
		Amount:         amount,
		Justification:  in.Justification,
		ActorID:        in.Actor.ID,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      s.now(),
	}
}

// recordFailure writes the failed attempt in its own transaction. A failure
// here is logged and never replaces the original error.
func (s *Service) recordFailure(ctx context.Context, in OperationInput, amount int64, cause error) {
	entityID := in.SourceID
	if entityID == 0 {
		entityID = in.DestinationID
	}
	entity := "caisse"
	if entityID == 0 {
		entity = "caisse_transaction"
		entityID = in.PaymentID
	}
	role, _ := in.Actor.HasAny(operationRoles[in.Type]...)
	log := shared.AuditLog{
		ActorID:  in.Actor.ID,
		Role:     role,
		Action:   "caisse." + string(in.Type) + ".failed",
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta: map[string]any{
			"type":           string(in.Type),
			"source_id":      in.SourceID,
			"destination_id": in.DestinationID,
			"payment_id":     in.PaymentID,
			"amount":         amount,
			"requested":      in.Amount,
			"justification":  in.Justification,
			"error_kind":     shared.KindOf(cause),
			"error":          cause.Error(),
		},
		At: s.now(),
	}
	err := s.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx TxRepository) error {
		return tx.RecordAudit(ctx, log)
	})
	if err != nil {
		s.logger.Error("caisse: record failed attempt",
			slog.String("type", string(in.Type)),
			slog.Any("cause", cause),
			slog.Any("error", err))
	}
}

func (s *Service) currentBalances(ctx context.Context, txn Transaction) (map[int64]int64, error) {
	balances := make(map[int64]int64)
	for _, id := range []int64{txn.SourceID, txn.DestinationID} {
		if id == 0 {
			continue
		}
		acc, err := s.repo.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		balances[id] = acc.Balance
	}
	return balances, nil
}

func (s *Service) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveLedger(op, outcome)
	}
}

// lockAccounts takes row locks in ascending ID order so that two operations
// touching the same pair can never deadlock.
func lockAccounts(ctx context.Context, tx TxRepository, ids ...int64) (map[int64]Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	accounts := make(map[int64]Account, len(sorted))
	for _, id := range sorted {
		acc, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil, fmt.Errorf("%w %d", ErrAccountNotFound, id)
			}
			return nil, err
		}
		accounts[id] = acc
	}
	return accounts, nil
}

func insufficient(acc Account, amount int64) error {
	return fmt.Errorf("%w: caisse %s holds %s, %s requested", shared.ErrInsufficientFunds,
		acc.Code, money.Format(acc.Balance, acc.Currency), money.Format(amount, acc.Currency))
}
