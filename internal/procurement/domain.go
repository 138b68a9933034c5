package procurement

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
	"github.com/odyssey-erp/odyssey-caisse/internal/workflow"
)

// Priority ranks a request for the purchasing team.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Request is a DA, Besoin or NoteFrais. Requests are never deleted.
type Request struct {
	ID            int64                `json:"id"`
	Type          workflow.RequestType `json:"type"`
	Reference     string               `json:"reference"`
	RequesterID   int64                `json:"requester_id"`
	Department    string               `json:"department"`
	Currency      string               `json:"currency"`
	Priority      Priority             `json:"priority"`
	Justification string               `json:"justification"`
	Status        workflow.Status      `json:"status"`
	Total         int64                `json:"total"`
	Version       int64                `json:"version"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Lines         []LineItem           `json:"lines,omitempty"`
	Transitions   []shared.ApprovalLog `json:"transitions,omitempty"`
}

// LineItem is one requested article. Quantity is never rounded; Total is
// the ceil-rounded product of quantity and unit price.
type LineItem struct {
	ID          int64   `json:"id"`
	RequestID   int64   `json:"request_id"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Total       int64   `json:"total"`
}

// StateChange is a conditional update: it applies only while the stored row
// still has FromStatus and Version.
type StateChange struct {
	ID         int64
	FromStatus workflow.Status
	ToStatus   workflow.Status
	Version    int64
	Total      int64
	At         time.Time
}

func (r Request) snapshot() map[string]any {
	return map[string]any{
		"status":  string(r.Status),
		"total":   r.Total,
		"version": r.Version,
	}
}

func (r Request) subject(lines []LineItem) workflow.Subject {
	subj := workflow.Subject{Status: r.Status, RequesterID: r.RequesterID, Total: r.Total}
	for _, l := range lines {
		subj.Lines = append(subj.Lines, workflow.Line{ID: l.ID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return subj
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = fmt.Errorf("%w: procurement: request", shared.ErrNotFound)
	// ErrNotEditable is returned when lines are added outside an editable status.
	ErrNotEditable = fmt.Errorf("%w: procurement: request is not editable", shared.ErrInvalidTransition)
	// ErrStaleRequest is returned when a conditional status update matched no row.
	ErrStaleRequest = fmt.Errorf("%w: procurement: request changed concurrently", shared.ErrConflict)
)
