package workflow

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-caisse/internal/money"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// DA statuses.
const (
	DADraft              Status = "draft"
	DASubmitted          Status = "submitted"
	DAUnderReview        Status = "under_review"
	DARevisionRequested  Status = "revision_requested"
	DAPriced             Status = "priced"
	DAPendingValidation  Status = "pending_validation"
	DAValidatedFinance   Status = "validated_finance"
	DARefusedFinance     Status = "refused_finance"
	DAPaid               Status = "paid"
	DARejected           Status = "rejected"
	DARejectedAccounting Status = "rejected_accounting"
	DACancelled          Status = "cancelled"
)

// Besoin statuses.
const (
	BesoinDraft     Status = "draft"
	BesoinSubmitted Status = "submitted"
	BesoinAccepted  Status = "accepted"
	BesoinRejected  Status = "rejected"
	BesoinReturned  Status = "returned"
	BesoinCancelled Status = "cancelled"
)

// NoteFrais statuses.
const (
	NFDraft     Status = "draft"
	NFSubmitted Status = "submitted"
	NFValidated Status = "validated"
	NFRefused   Status = "refuse"
	NFPaid      Status = "paid"
	NFCancelled Status = "cancelled"
)

// StatusPaid is the settled status shared by every type that pays out.
const StatusPaid Status = "paid"

// Actions.
const (
	ActionSubmit           Action = "submit"
	ActionTakeReview       Action = "take_review"
	ActionRequestRevision  Action = "request_revision"
	ActionPrice            Action = "price"
	ActionSubmitValidation Action = "submit_validation"
	ActionValidateFinance  Action = "validate_finance"
	ActionRefuseFinance    Action = "refuse_finance"
	ActionPay              Action = "pay"
	ActionRejectAccounting Action = "reject_accounting"
	ActionReject           Action = "reject"
	ActionCancel           Action = "cancel"
	ActionAccept           Action = "accept"
	ActionReturn           Action = "return"
	ActionValidate         Action = "validate"
	ActionRefuse           Action = "refuse"
)

var requester = []shared.Role{shared.RoleRequester}

var daMachine = NewMachine(Definition{
	Type:    TypeDA,
	Initial: DADraft,
	Statuses: []Status{
		DADraft, DASubmitted, DAUnderReview, DARevisionRequested, DAPriced, DAPendingValidation,
		DAValidatedFinance, DARefusedFinance, DAPaid, DARejected, DARejectedAccounting, DACancelled,
	},
	Terminal: []Status{DAPaid, DARejected, DARejectedAccounting, DARefusedFinance, DACancelled},
	Editable: []Status{DADraft, DARevisionRequested},
	Transitions: []Transition{
		{Action: ActionSubmit, From: []Status{DADraft, DARevisionRequested}, To: DASubmitted, Roles: requester, OwnerOnly: true, Validate: requireLines},
		{Action: ActionTakeReview, From: []Status{DASubmitted}, To: DAUnderReview, Roles: []shared.Role{shared.RolePurchasing}},
		{Action: ActionRequestRevision, From: []Status{DAUnderReview}, To: DARevisionRequested, Roles: []shared.Role{shared.RolePurchasing}, RequireReason: true},
		{Action: ActionPrice, From: []Status{DAUnderReview}, To: DAPriced, Roles: []shared.Role{shared.RolePurchasing}, Validate: validatePricing, Effect: EffectPricing},
		{Action: ActionSubmitValidation, From: []Status{DAPriced}, To: DAPendingValidation, Roles: []shared.Role{shared.RolePurchasing}, Validate: requirePositiveTotal},
		{Action: ActionValidateFinance, From: []Status{DAPendingValidation}, To: DAValidatedFinance, Roles: []shared.Role{shared.RoleFinanceDirector}},
		{Action: ActionRefuseFinance, From: []Status{DAPendingValidation}, To: DARefusedFinance, Roles: []shared.Role{shared.RoleFinanceDirector}, RequireReason: true},
		{Action: ActionPay, From: []Status{DAValidatedFinance}, To: DAPaid, Roles: []shared.Role{shared.RoleAccountant}, Validate: requireCashAccount, Effect: EffectPayment},
		{Action: ActionRejectAccounting, From: []Status{DAValidatedFinance}, To: DARejectedAccounting, Roles: []shared.Role{shared.RoleAccountant}, RequireReason: true},
		{Action: ActionReject, From: []Status{DASubmitted, DAUnderReview, DAPriced}, To: DARejected, Roles: []shared.Role{shared.RolePurchasing}, RequireReason: true},
		{Action: ActionCancel, From: []Status{DADraft, DASubmitted}, To: DACancelled, Roles: requester, OwnerOnly: true},
	},
})

var besoinMachine = NewMachine(Definition{
	Type:     TypeBesoin,
	Initial:  BesoinDraft,
	Statuses: []Status{BesoinDraft, BesoinSubmitted, BesoinAccepted, BesoinRejected, BesoinReturned, BesoinCancelled},
	Terminal: []Status{BesoinAccepted, BesoinRejected, BesoinCancelled},
	Editable: []Status{BesoinDraft, BesoinReturned},
	Transitions: []Transition{
		{Action: ActionSubmit, From: []Status{BesoinDraft, BesoinReturned}, To: BesoinSubmitted, Roles: requester, OwnerOnly: true, Validate: requireLines},
		{Action: ActionAccept, From: []Status{BesoinSubmitted}, To: BesoinAccepted, Roles: []shared.Role{shared.RoleManager}},
		{Action: ActionReject, From: []Status{BesoinSubmitted}, To: BesoinRejected, Roles: []shared.Role{shared.RoleManager}, RequireReason: true},
		{Action: ActionReturn, From: []Status{BesoinSubmitted}, To: BesoinReturned, Roles: []shared.Role{shared.RoleManager}, RequireReason: true},
		{Action: ActionCancel, From: []Status{BesoinDraft, BesoinReturned}, To: BesoinCancelled, Roles: requester, OwnerOnly: true},
	},
})

var noteFraisMachine = NewMachine(Definition{
	Type:     TypeNoteFrais,
	Initial:  NFDraft,
	Statuses: []Status{NFDraft, NFSubmitted, NFValidated, NFRefused, NFPaid, NFCancelled},
	Terminal: []Status{NFRefused, NFPaid, NFCancelled},
	Editable: []Status{NFDraft},
	Transitions: []Transition{
		{Action: ActionSubmit, From: []Status{NFDraft}, To: NFSubmitted, Roles: requester, OwnerOnly: true, Validate: requirePricedLines},
		{Action: ActionValidate, From: []Status{NFSubmitted}, To: NFValidated, Roles: []shared.Role{shared.RoleManager, shared.RoleFinanceDirector}},
		{Action: ActionRefuse, From: []Status{NFSubmitted}, To: NFRefused, Roles: []shared.Role{shared.RoleManager, shared.RoleFinanceDirector}, RequireReason: true},
		{Action: ActionPay, From: []Status{NFValidated}, To: NFPaid, Roles: []shared.Role{shared.RoleAccountant}, Validate: requireCashAccount, Effect: EffectPayment},
		{Action: ActionCancel, From: []Status{NFDraft}, To: NFCancelled, Roles: requester, OwnerOnly: true},
	},
})

var machines = map[RequestType]*Machine{
	TypeDA:        daMachine,
	TypeBesoin:    besoinMachine,
	TypeNoteFrais: noteFraisMachine,
}

// Lookup returns the machine governing t.
func Lookup(t RequestType) (*Machine, error) {
	m, ok := machines[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown request type %q", shared.ErrValidation, t)
	}
	return m, nil
}

// ParseType accepts "DA", "da", "note-frais", "note_frais" and the like.
func ParseType(raw string) (RequestType, error) {
	normalized := RequestType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	if _, ok := machines[normalized]; !ok {
		return "", fmt.Errorf("%w: unknown request type %q", shared.ErrValidation, raw)
	}
	return normalized, nil
}

// ApplyPrices returns lines with the given unit prices set. Every price must
// target an existing line.
func ApplyPrices(lines []Line, prices []LinePrice) ([]Line, error) {
	out := append([]Line(nil), lines...)
	pos := make(map[int64]int, len(out))
	for i, l := range out {
		pos[l.ID] = i
	}
	for _, p := range prices {
		i, ok := pos[p.LineID]
		if !ok {
			return nil, fmt.Errorf("%w: line %d does not belong to the request", shared.ErrValidation, p.LineID)
		}
		if p.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: line %d unit price must not be negative", shared.ErrValidation, p.LineID)
		}
		out[i].UnitPrice = p.UnitPrice
	}
	return out, nil
}

// Total sums the ceil-rounded line totals.
func Total(lines []Line) (int64, error) {
	var total int64
	for _, l := range lines {
		lineTotal, err := money.LineTotal(l.Quantity, l.UnitPrice)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", l.ID, err)
		}
		if total, err = money.Sum(total, lineTotal); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func requireLines(s Subject, _ Payload) error {
	if len(s.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", shared.ErrValidation)
	}
	return nil
}

func requirePricedLines(s Subject, p Payload) error {
	if err := requireLines(s, p); err != nil {
		return err
	}
	return requirePositiveTotal(s, p)
}

func requirePositiveTotal(s Subject, _ Payload) error {
	if s.Total <= 0 {
		return fmt.Errorf("%w: total must be positive", shared.ErrValidation)
	}
	return nil
}

func validatePricing(s Subject, p Payload) error {
	lines, err := ApplyPrices(s.Lines, p.Prices)
	if err != nil {
		return err
	}
	if _, err := Total(lines); err != nil {
		return err
	}
	for _, l := range lines {
		if l.UnitPrice > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: at least one line must be priced", shared.ErrValidation)
}

func requireCashAccount(_ Subject, p Payload) error {
	if p.CashAccountID <= 0 {
		return fmt.Errorf("%w: cash account is required", shared.ErrValidation)
	}
	return nil
}
