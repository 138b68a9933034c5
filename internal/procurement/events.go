package procurement

import (
	"context"
	"time"
)

// TransitionEvent is published after a workflow transition commits.
type TransitionEvent struct {
	RequestType string    `json:"request_type"`
	RequestID   int64     `json:"request_id"`
	Reference   string    `json:"reference"`
	Action      string    `json:"action"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	ActorID     int64     `json:"actor_id"`
	Role        string    `json:"role"`
	RequesterID int64     `json:"requester_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Note        string    `json:"note,omitempty"`
	PaymentID   int64     `json:"payment_id,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier hands transition events to the delivery side. It must not block
// on delivery; failures are logged by the caller and never undo a transition.
type Notifier interface {
	NotifyTransition(ctx context.Context, evt TransitionEvent) error
}
