package caisse

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-caisse/internal/money"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

type memoryLedgerState struct {
	accounts     map[int64]Account
	transactions map[int64]Transaction
	entries      []Entry
	keys         map[string]struct{}
	audits       []shared.AuditLog
	requests     map[int64]string
	nextID       int64
}

func (s memoryLedgerState) clone() memoryLedgerState {
	out := s
	out.accounts = maps.Clone(s.accounts)
	out.transactions = maps.Clone(s.transactions)
	out.entries = append([]Entry(nil), s.entries...)
	out.keys = maps.Clone(s.keys)
	out.audits = append([]shared.AuditLog(nil), s.audits...)
	out.requests = maps.Clone(s.requests)
	return out
}

// memoryLedgerRepo restores its state when the callback fails, which is what
// a rolled back transaction looks like to the service.
type memoryLedgerRepo struct {
	mu       sync.Mutex
	state    memoryLedgerState
	failNext error
}

type memoryLedgerTx struct {
	state *memoryLedgerState
	fail  error
}

func newMemoryLedgerRepo(accounts ...Account) *memoryLedgerRepo {
	repo := &memoryLedgerRepo{state: memoryLedgerState{
		accounts:     make(map[int64]Account),
		transactions: make(map[int64]Transaction),
		keys:         make(map[string]struct{}),
		requests:     make(map[int64]string),
		nextID:       100,
	}}
	for _, acc := range accounts {
		if acc.Version == 0 {
			acc.Version = 1
		}
		repo.state.accounts[acc.ID] = acc
	}
	return repo
}

func (r *memoryLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	working := r.state.clone()
	tx := &memoryLedgerTx{state: &working, fail: r.failNext}
	r.failNext = nil
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memoryLedgerRepo) GetAccount(ctx context.Context, id int64) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.state.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (r *memoryLedgerRepo) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.state.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return txn, nil
}

func (r *memoryLedgerRepo) auditActions() []string {
	var actions []string
	for _, a := range r.state.audits {
		actions = append(actions, a.Action)
	}
	return actions
}

func (tx *memoryLedgerTx) id() int64 {
	tx.state.nextID++
	return tx.state.nextID
}

func (tx *memoryLedgerTx) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	acc, ok := tx.state.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (tx *memoryLedgerTx) ApplyDelta(ctx context.Context, account Account, delta int64) (Account, error) {
	current := tx.state.accounts[account.ID]
	if current.Version != account.Version || current.Balance+delta < 0 {
		return Account{}, ErrStaleAccount
	}
	current.Balance += delta
	current.Version++
	tx.state.accounts[account.ID] = current
	return current, nil
}

func (tx *memoryLedgerTx) InsertTransaction(ctx context.Context, txn Transaction) (int64, error) {
	txn.ID = tx.id()
	tx.state.transactions[txn.ID] = txn
	return txn.ID, nil
}

func (tx *memoryLedgerTx) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	entry.ID = tx.id()
	tx.state.entries = append(tx.state.entries, entry)
	txn := tx.state.transactions[entry.TransactionID]
	txn.Entries = append(txn.Entries, entry)
	tx.state.transactions[entry.TransactionID] = txn
	return entry.ID, nil
}

func (tx *memoryLedgerTx) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	txn, ok := tx.state.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return txn, nil
}

func (tx *memoryLedgerTx) LatestCorrection(ctx context.Context, paymentID int64) (Transaction, bool, error) {
	var latest Transaction
	for _, txn := range tx.state.transactions {
		if txn.CorrectsID == paymentID && txn.ID > latest.ID {
			latest = txn
		}
	}
	return latest, latest.ID != 0, nil
}

func (tx *memoryLedgerTx) FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error) {
	for _, txn := range tx.state.transactions {
		if txn.IdempotencyKey == key {
			return txn, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (tx *memoryLedgerTx) ClaimIdempotencyKey(ctx context.Context, key string) error {
	if _, ok := tx.state.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	tx.state.keys[key] = struct{}{}
	return nil
}

func (tx *memoryLedgerTx) RequestStatus(ctx context.Context, requestType string, requestID int64) (string, error) {
	status, ok := tx.state.requests[requestID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return status, nil
}

func (tx *memoryLedgerTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if tx.fail != nil {
		return tx.fail
	}
	tx.state.audits = append(tx.state.audits, log)
	return nil
}

var (
	cashier = shared.Actor{ID: 5, Name: "Fatou", Roles: []shared.Role{shared.RoleCashier}}
	clerk   = shared.Actor{ID: 6, Roles: []shared.Role{shared.RoleRequester}}
	fixed   = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newTestService(repo *memoryLedgerRepo) *Service {
	return NewService(repo, nil).WithNow(func() time.Time { return fixed })
}

func siege() Account {
	return Account{ID: 1, Code: "SIEGE", Name: "Caisse Siège", Currency: "XOF", Balance: 15000, Active: true}
}

func agence() Account {
	return Account{ID: 2, Code: "AGENCE", Name: "Caisse Agence", Currency: "XOF", Balance: 0, Active: true}
}

func TestTransferConservesTotal(t *testing.T) {
	repo := newMemoryLedgerRepo(siege(), agence())
	svc := newTestService(repo)

	res, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeTransfer, SourceID: 1, DestinationID: 2, Amount: 4999.2,
		Justification: "Fonds de caisse agence", Actor: cashier,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5000), res.Transaction.Amount)
	require.Equal(t, map[int64]int64{1: 10000, 2: 5000}, res.Balances)
	require.Len(t, res.Transaction.Entries, 2)
	require.Equal(t, fixed, res.Transaction.CreatedAt)
	require.Equal(t, []string{"caisse.transfer", "caisse.transfer"}, repo.auditActions())
	require.Equal(t, shared.RoleCashier, repo.state.audits[0].Role)
}

func TestTransferInsufficientFundsLeavesBalancesAndAuditsFailure(t *testing.T) {
	repo := newMemoryLedgerRepo(siege(), agence())
	svc := newTestService(repo)

	_, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeTransfer, SourceID: 1, DestinationID: 2, Amount: 20000,
		Justification: "Approvisionnement agence", Actor: cashier,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
	require.Contains(t, err.Error(), "15,000 XOF")

	require.Equal(t, int64(15000), repo.state.accounts[1].Balance)
	require.Equal(t, int64(0), repo.state.accounts[2].Balance)
	require.Empty(t, repo.state.transactions)
	require.Equal(t, []string{"caisse.transfer.failed"}, repo.auditActions())
	require.Equal(t, shared.KindInsufficientFunds, repo.state.audits[0].Meta["error_kind"])
}

func TestTransferShortJustificationIsRejected(t *testing.T) {
	repo := newMemoryLedgerRepo(siege(), agence())
	svc := newTestService(repo)

	_, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeTransfer, SourceID: 1, DestinationID: 2, Amount: 1000,
		Justification: "abc", Actor: cashier,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, int64(15000), repo.state.accounts[1].Balance)
	require.Equal(t, []string{"caisse.transfer.failed"}, repo.auditActions())
}

func TestTransferRules(t *testing.T) {
	closed := agence()
	closed.Active = false
	euro := Account{ID: 3, Code: "EUR", Currency: "EUR", Active: true}
	repo := newMemoryLedgerRepo(siege(), closed, euro)
	svc := newTestService(repo)
	ctx := context.Background()

	base := OperationInput{Type: TypeTransfer, SourceID: 1, Amount: 100, Justification: "Transfert test", Actor: cashier}

	in := base
	in.DestinationID = 1
	_, err := svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation)

	in.DestinationID = 2
	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, ErrAccountInactive)

	in.DestinationID = 3
	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	in.DestinationID = 9
	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, shared.ErrNotFound)

	in = base
	in.DestinationID = 3
	in.Actor = clerk
	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	in.Actor = cashier
	in.Amount = 0
	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReplenishmentCreditsDestination(t *testing.T) {
	repo := newMemoryLedgerRepo(agence())
	svc := newTestService(repo)

	res, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeReplenishment, DestinationID: 2, Amount: 250000, Justification: "Retrait banque", Actor: cashier,
	})
	require.NoError(t, err)
	require.Equal(t, int64(250000), res.Balances[2])
	require.Equal(t, LegCredit, res.Transaction.Entries[0].Leg)
	require.Equal(t, int64(2), repo.state.accounts[2].Version)
}

func TestIdempotencyKeyReplaysWithoutReapplying(t *testing.T) {
	repo := newMemoryLedgerRepo(agence())
	svc := newTestService(repo)
	in := OperationInput{
		Type: TypeReplenishment, DestinationID: 2, Amount: 1000, Justification: "Retrait banque",
		Actor: cashier, IdempotencyKey: "rep-001",
	}

	first, err := svc.ApplyOperation(context.Background(), in)
	require.NoError(t, err)
	second, err := svc.ApplyOperation(context.Background(), in)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Equal(t, int64(1000), repo.state.accounts[2].Balance)
	require.Equal(t, int64(1000), second.Balances[2])

	in.Type = TypeTransfer
	in.SourceID = 2
	in.DestinationID = 1
	_, err = svc.ApplyOperation(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPaymentAndCorrection(t *testing.T) {
	principal := Account{ID: 1, Code: "PRINC", Currency: "XOF", Balance: 500000, Active: true}
	annexe := Account{ID: 2, Code: "ANNEXE", Currency: "XOF", Balance: 200000, Active: true}
	repo := newMemoryLedgerRepo(principal, annexe)
	svc := newTestService(repo)
	ctx := context.Background()
	accountant := shared.Actor{ID: 8, Roles: []shared.Role{shared.RoleAccountant}}

	var payment Transaction
	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		payment, err = svc.PayInTx(ctx, tx, PaymentInput{
			AccountID: 1, Amount: 150000, Currency: "XOF", RequestType: "DA", RequestID: 77,
			Reference: "DA-001", Actor: accountant, Role: shared.RoleAccountant,
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int64(350000), repo.state.accounts[1].Balance)
	require.Equal(t, "Paiement DA-001", payment.Justification)

	in := OperationInput{Type: TypeCorrection, PaymentID: payment.ID, SourceID: 2, Justification: "Mauvaise caisse sélectionnée", Actor: accountant}

	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, shared.ErrNotFound, "request status unknown")

	repo.state.requests[77] = "paid"

	wrongAmount := in
	wrongAmount.Amount = 1000
	_, err = svc.ApplyOperation(ctx, wrongAmount)
	require.ErrorIs(t, err, shared.ErrValidation)

	res, err := svc.ApplyOperation(ctx, in)
	require.NoError(t, err)
	require.Equal(t, int64(500000), res.Balances[1])
	require.Equal(t, int64(50000), res.Balances[2])
	require.Equal(t, payment.ID, res.Transaction.CorrectsID)
	require.Equal(t, int64(2), res.Transaction.SourceID)
	require.Equal(t, int64(1), res.Transaction.DestinationID)
	require.Equal(t, []Leg{LegReversal, LegCorrective}, []Leg{res.Transaction.Entries[0].Leg, res.Transaction.Entries[1].Leg})

	// The payment now sits on account 2; correcting to 2 again is a no-op request.
	_, err = svc.ApplyOperation(ctx, in)
	require.ErrorIs(t, err, shared.ErrValidation)

	// Moving it back reverses account 2, not the original payer.
	back := in
	back.SourceID = 1
	res, err = svc.ApplyOperation(ctx, back)
	require.NoError(t, err)
	require.Equal(t, int64(350000), res.Balances[1])
	require.Equal(t, int64(200000), res.Balances[2])
}

func TestCorrectionInsufficientFundsOnCorrectAccount(t *testing.T) {
	repo := newMemoryLedgerRepo(
		Account{ID: 1, Code: "A", Currency: "XOF", Balance: 100000, Active: true},
		Account{ID: 2, Code: "B", Currency: "XOF", Balance: 10, Active: true},
	)
	repo.state.transactions[50] = Transaction{ID: 50, Type: TypePayment, SourceID: 1, Amount: 5000, RequestType: "NOTE_FRAIS", RequestID: 9}
	repo.state.requests[9] = "paid"
	svc := newTestService(repo)

	_, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeCorrection, PaymentID: 50, SourceID: 2, Justification: "Erreur de caisse au paiement", Actor: cashier,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
	require.Equal(t, int64(100000), repo.state.accounts[1].Balance)
	require.Equal(t, int64(10), repo.state.accounts[2].Balance)
}

func TestPayInTxRules(t *testing.T) {
	repo := newMemoryLedgerRepo(siege())
	svc := newTestService(repo)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.PayInTx(ctx, tx, PaymentInput{AccountID: 1, Amount: 20000, Currency: "XOF"})
		return err
	})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.PayInTx(ctx, tx, PaymentInput{AccountID: 1, Amount: 100, Currency: "EUR"})
		return err
	})
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := svc.PayInTx(ctx, tx, PaymentInput{AccountID: 1, Amount: 0})
		return err
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, int64(15000), repo.state.accounts[1].Balance)
}

func TestAuditFailureAbortsOperation(t *testing.T) {
	repo := newMemoryLedgerRepo(agence())
	repo.failNext = errors.New("audit store down")
	svc := newTestService(repo)

	_, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeReplenishment, DestinationID: 2, Amount: 1000, Justification: "Retrait banque", Actor: cashier,
	})
	require.Error(t, err)
	require.Equal(t, int64(0), repo.state.accounts[2].Balance)
	require.Empty(t, repo.state.transactions)
	require.Len(t, repo.state.audits, 1)
	require.True(t, strings.HasSuffix(repo.state.audits[0].Action, ".failed"))
}

type recordingMetrics struct {
	outcomes []string
}

func (m *recordingMetrics) ObserveLedger(op, outcome string) {
	m.outcomes = append(m.outcomes, op+":"+outcome)
}

func TestBalanceAndMetrics(t *testing.T) {
	repo := newMemoryLedgerRepo(siege())
	metrics := &recordingMetrics{}
	svc := newTestService(repo).WithMetrics(metrics)

	acc, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(15000), acc.Balance)

	_, err = svc.Balance(context.Background(), 99)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, _ = svc.ApplyOperation(context.Background(), OperationInput{Type: TypeTransfer, SourceID: 1, DestinationID: 1, Amount: 1, Justification: "Transfert", Actor: cashier})
	require.Equal(t, []string{"transfer:validation_failed"}, metrics.outcomes)
}

func TestSiegeTransferBeyondBalanceOnlyAuditsFailedAttempt(t *testing.T) {
	acc := siege()
	acc.Balance = 10000
	repo := newMemoryLedgerRepo(acc, agence())
	svc := newTestService(repo)

	_, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeTransfer, SourceID: 1, DestinationID: 2, Amount: 15000,
		Justification: "Approvisionnement agence", Actor: cashier,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
	require.Equal(t, "Caisse Siège", repo.state.accounts[1].Name)
	require.Equal(t, int64(10000), repo.state.accounts[1].Balance)
	require.Equal(t, int64(0), repo.state.accounts[2].Balance)
	require.Empty(t, repo.state.entries)
	require.Equal(t, []string{"caisse.transfer.failed"}, repo.auditActions())
	require.Nil(t, repo.state.audits[0].Before)
	require.Nil(t, repo.state.audits[0].After)
}

func TestReplenishmentShortMotifIsRejected(t *testing.T) {
	repo := newMemoryLedgerRepo(siege())
	svc := newTestService(repo)

	_, err := svc.ApplyOperation(context.Background(), OperationInput{
		Type: TypeReplenishment, DestinationID: 1, Amount: 5000, Justification: "abc", Actor: cashier,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, int64(15000), repo.state.accounts[1].Balance)
	require.Empty(t, repo.state.transactions)
	require.Equal(t, []string{"caisse.replenishment.failed"}, repo.auditActions())
}

func TestReplenishmentRejectsAmountsBeyondRange(t *testing.T) {
	repo := newMemoryLedgerRepo(agence())
	svc := newTestService(repo)
	ctx := context.Background()

	for _, amount := range []float64{1e19, 2e19} {
		_, err := svc.ApplyOperation(ctx, OperationInput{
			Type: TypeReplenishment, DestinationID: 2, Amount: amount, Justification: "Retrait banque", Actor: cashier,
		})
		require.ErrorIs(t, err, shared.ErrValidation, "amount %v", amount)
		require.Equal(t, int64(0), repo.state.accounts[2].Balance)
	}
	require.Empty(t, repo.state.transactions)

	full := agence()
	full.ID = 3
	full.Balance = money.MaxAmount
	repo = newMemoryLedgerRepo(full)
	svc = newTestService(repo)
	_, err := svc.ApplyOperation(ctx, OperationInput{
		Type: TypeReplenishment, DestinationID: 3, Amount: 1, Justification: "Retrait banque", Actor: cashier,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, money.MaxAmount, repo.state.accounts[3].Balance)
}

type gatedLedgerRepo struct {
	*memoryLedgerRepo
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (r *gatedLedgerRepo) GetAccount(ctx context.Context, id int64) (Account, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.gate
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	return r.memoryLedgerRepo.GetAccount(ctx, id)
}

func TestBalanceSharedReadSurvivesFirstCallerCancel(t *testing.T) {
	repo := &gatedLedgerRepo{
		memoryLedgerRepo: newMemoryLedgerRepo(siege()),
		entered:          make(chan struct{}),
		gate:             make(chan struct{}),
	}
	svc := NewService(repo, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Balance(firstCtx, 1)
		firstErr <- err
	}()
	<-repo.entered

	type result struct {
		acc Account
		err error
	}
	second := make(chan result, 1)
	go func() {
		acc, err := svc.Balance(context.Background(), 1)
		second <- result{acc, err}
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, int64(15000), got.acc.Balance)
}
