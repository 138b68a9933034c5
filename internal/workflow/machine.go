// Package workflow holds the transition tables of every request type and
// resolves an (action, actor, payload) triple against them.
package workflow

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// RequestType identifies which lifecycle a request follows.
type RequestType string

const (
	TypeDA        RequestType = "DA"
	TypeBesoin    RequestType = "BESOIN"
	TypeNoteFrais RequestType = "NOTE_FRAIS"
)

// Status is a lifecycle state.
type Status string

// Action names a transition.
type Action string

// Effect is a side effect applied in the same unit of work as the status change.
type Effect int

const (
	EffectNone Effect = iota
	EffectPricing
	EffectPayment
)

// MinReasonLength is the minimum trimmed length of a rejection/return reason.
const MinReasonLength = 10

// Line is the part of a line item the validators look at.
type Line struct {
	ID        int64
	Quantity  float64
	UnitPrice float64
}

// LinePrice sets the unit price of one line during pricing.
type LinePrice struct {
	LineID    int64   `json:"line_id" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0,lte=1000000000000000"`
}

// Subject is the request state a decision is taken against.
type Subject struct {
	Status      Status
	RequesterID int64
	Total       int64
	Lines       []Line
}

// Payload carries action specific input.
type Payload struct {
	Reason        string      `json:"reason"`
	Comment       string      `json:"comment"`
	CashAccountID int64       `json:"cash_account_id"`
	Prices        []LinePrice `json:"prices"`
}

// Note is the free text stamped on the transition.
func (p Payload) Note() string {
	if r := strings.TrimSpace(p.Reason); r != "" {
		return r
	}
	return strings.TrimSpace(p.Comment)
}

// Transition is one row of a machine's table.
type Transition struct {
	Action        Action
	From          []Status
	To            Status
	Roles         []shared.Role
	OwnerOnly     bool
	RequireReason bool
	Validate      func(Subject, Payload) error
	Effect        Effect
}

// Decision is the outcome of a successful Resolve.
type Decision struct {
	Transition Transition
	From       Status
	To         Status
	Role       shared.Role
}

type edge struct {
	from   Status
	action Action
}

// Machine is an immutable transition table.
type Machine struct {
	kind     RequestType
	initial  Status
	statuses map[Status]struct{}
	terminal map[Status]struct{}
	editable map[Status]struct{}
	actions  map[Action]struct{}
	index    map[edge]Transition
}

// Definition describes a machine before it is indexed.
type Definition struct {
	Type        RequestType
	Initial     Status
	Statuses    []Status
	Terminal    []Status
	Editable    []Status
	Transitions []Transition
}

// NewMachine indexes def. It panics on a malformed table since tables are
// package constants.
func NewMachine(def Definition) *Machine {
	m := &Machine{
		kind:     def.Type,
		initial:  def.Initial,
		statuses: toSet(def.Statuses),
		terminal: toSet(def.Terminal),
		editable: toSet(def.Editable),
		actions:  make(map[Action]struct{}),
		index:    make(map[edge]Transition),
	}
	if _, ok := m.statuses[def.Initial]; !ok {
		panic(fmt.Sprintf("workflow %s: unknown initial status %s", def.Type, def.Initial))
	}
	for _, t := range def.Transitions {
		if _, ok := m.statuses[t.To]; !ok {
			panic(fmt.Sprintf("workflow %s: %s targets unknown status %s", def.Type, t.Action, t.To))
		}
		if len(t.Roles) == 0 {
			panic(fmt.Sprintf("workflow %s: %s has no roles", def.Type, t.Action))
		}
		m.actions[t.Action] = struct{}{}
		for _, from := range t.From {
			if _, ok := m.terminal[from]; ok {
				panic(fmt.Sprintf("workflow %s: %s leaves terminal status %s", def.Type, t.Action, from))
			}
			key := edge{from: from, action: t.Action}
			if _, dup := m.index[key]; dup {
				panic(fmt.Sprintf("workflow %s: duplicate edge %s/%s", def.Type, from, t.Action))
			}
			m.index[key] = t
		}
	}
	return m
}

// Type returns the request type the machine governs.
func (m *Machine) Type() RequestType { return m.kind }

// Initial returns the status of a new request.
func (m *Machine) Initial() Status { return m.initial }

// IsTerminal reports whether s accepts no further action.
func (m *Machine) IsTerminal(s Status) bool {
	_, ok := m.terminal[s]
	return ok
}

// IsEditable reports whether lines may be added in s.
func (m *Machine) IsEditable(s Status) bool {
	_, ok := m.editable[s]
	return ok
}

// Knows reports whether s belongs to the machine.
func (m *Machine) Knows(s Status) bool {
	_, ok := m.statuses[s]
	return ok
}

// Available lists the actions that exist from s, regardless of actor.
func (m *Machine) Available(s Status) []Action {
	var out []Action
	for key := range m.index {
		if key.from == s {
			out = append(out, key.action)
		}
	}
	slices.Sort(out)
	return out
}

// Allowed lists the actions from subj.Status whose role and ownership rules
// the actor satisfies. Payload rules are not evaluated.
func (m *Machine) Allowed(subj Subject, actor shared.Actor) []Action {
	var out []Action
	for _, a := range m.Available(subj.Status) {
		t := m.index[edge{from: subj.Status, action: a}]
		if _, ok := actor.HasAny(t.Roles...); !ok {
			continue
		}
		if t.OwnerOnly && actor.ID != subj.RequesterID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Resolve checks state, then role, then payload.
func (m *Machine) Resolve(subj Subject, action Action, actor shared.Actor, payload Payload) (Decision, error) {
	if m.IsTerminal(subj.Status) {
		return Decision{}, fmt.Errorf("%w: %s is terminal", shared.ErrInvalidTransition, subj.Status)
	}
	if _, ok := m.actions[action]; !ok {
		return Decision{}, fmt.Errorf("%w: unknown action %q for %s", shared.ErrValidation, action, m.kind)
	}
	t, ok := m.index[edge{from: subj.Status, action: action}]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s not allowed from %s", shared.ErrInvalidTransition, action, subj.Status)
	}
	role, ok := actor.HasAny(t.Roles...)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s requires one of %v", shared.ErrUnauthorized, action, t.Roles)
	}
	if t.OwnerOnly && actor.ID != subj.RequesterID {
		return Decision{}, fmt.Errorf("%w: only the requester may %s", shared.ErrUnauthorized, action)
	}
	if t.RequireReason {
		if err := ValidateReason(payload.Reason); err != nil {
			return Decision{}, err
		}
	}
	if t.Validate != nil {
		if err := t.Validate(subj, payload); err != nil {
			return Decision{}, err
		}
	}
	return Decision{Transition: t, From: subj.Status, To: t.To, Role: role}, nil
}

// ValidateReason enforces MinReasonLength on trimmed text.
func ValidateReason(reason string) error {
	if utf8.RuneCountInString(strings.TrimSpace(reason)) < MinReasonLength {
		return fmt.Errorf("%w: reason must be at least %d characters", shared.ErrValidation, MinReasonLength)
	}
	return nil
}

func toSet(statuses []Status) map[Status]struct{} {
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}
