package caisse

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// TransactionType enumerates ledger operations.
type TransactionType string

const (
	TypeReplenishment TransactionType = "replenishment"
	TypeTransfer      TransactionType = "transfer"
	TypeCorrection    TransactionType = "correction"
	TypePayment       TransactionType = "payment"
)

// Leg names the role an entry plays inside its transaction.
type Leg string

const (
	LegCredit     Leg = "credit"
	LegDebit      Leg = "debit"
	LegReversal   Leg = "reversal"
	LegCorrective Leg = "corrective"
)

// Account is a cash register (caisse). Balance never goes below zero.
type Account struct {
	ID        int64
	Code      string
	Name      string
	Currency  string
	Balance   int64
	Active    bool
	Version   int64
	UpdatedAt time.Time
}

// Transaction is an immutable ledger record. Zero IDs mean "not set".
type Transaction struct {
	ID             int64           `json:"id"`
	Type           TransactionType `json:"type"`
	SourceID       int64           `json:"source_id,omitempty"`
	DestinationID  int64           `json:"destination_id,omitempty"`
	Amount         int64           `json:"amount"`
	Justification  string          `json:"justification"`
	ActorID        int64           `json:"actor_id"`
	RequestType    string          `json:"request_type,omitempty"`
	RequestID      int64           `json:"request_id,omitempty"`
	CorrectsID     int64           `json:"corrects_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Entries        []Entry         `json:"entries"`
}

// Entry is one account leg of a transaction.
type Entry struct {
	ID            int64 `json:"id"`
	TransactionID int64 `json:"transaction_id"`
	AccountID     int64 `json:"account_id"`
	Leg           Leg   `json:"leg"`
	Delta         int64 `json:"delta"`
	BalanceBefore int64 `json:"balance_before"`
	BalanceAfter  int64 `json:"balance_after"`
}

// Minimum trimmed justification length per operation.
var minJustification = map[TransactionType]int{
	TypeReplenishment: 5,
	TypeTransfer:      5,
	TypeCorrection:    10,
}

// Roles allowed to start each manual operation. Payments are authorised by
// the workflow transition that triggers them.
var operationRoles = map[TransactionType][]shared.Role{
	TypeReplenishment: {shared.RoleCashier, shared.RoleAccountant},
	TypeTransfer:      {shared.RoleCashier, shared.RoleAccountant},
	TypeCorrection:    {shared.RoleCashier, shared.RoleAccountant, shared.RoleFinanceDirector},
}

var (
	// ErrAccountNotFound indicates a missing cash account.
	ErrAccountNotFound = fmt.Errorf("%w: caisse: account", shared.ErrNotFound)
	// ErrTransactionNotFound indicates a missing ledger transaction.
	ErrTransactionNotFound = fmt.Errorf("%w: caisse: transaction", shared.ErrNotFound)
	// ErrAccountInactive is returned when an inactive account is used.
	ErrAccountInactive = fmt.Errorf("%w: caisse: account inactive", shared.ErrValidation)
	// ErrCurrencyMismatch is returned when two accounts do not share a currency.
	ErrCurrencyMismatch = fmt.Errorf("%w: caisse: currency mismatch", shared.ErrValidation)
	// ErrStaleAccount is returned when a conditional balance update matched no row.
	ErrStaleAccount = fmt.Errorf("%w: caisse: account changed concurrently", shared.ErrConflict)
)
