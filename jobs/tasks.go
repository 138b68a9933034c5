package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-caisse/internal/procurement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries workflow notifications.
	QueueNotifications = "notifications"

	// TaskWorkflowNotify delivers one workflow transition notification.
	TaskWorkflowNotify = "workflow:notify"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
	// TaskLedgerIntegrity compares cash balances with their entries.
	TaskLedgerIntegrity = "caisse:ledger_integrity"
)

// NotifyPayload wraps a transition event for the queue.
type NotifyPayload struct {
	Event procurement.TransitionEvent `json:"event"`
}

// CleanupPayload configures the idempotency cleanup.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewNotifyTask builds a notification task for evt.
func NewNotifyTask(evt procurement.TransitionEvent) (*asynq.Task, error) {
	data, err := json.Marshal(NotifyPayload{Event: evt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWorkflowNotify, data), nil
}

// NewCleanupTask builds the idempotency cleanup task.
func NewCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// NewLedgerIntegrityTask builds the ledger integrity task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}
