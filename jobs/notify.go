package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-caisse/internal/jobs"
	"github.com/odyssey-erp/odyssey-caisse/internal/money"
	"github.com/odyssey-erp/odyssey-caisse/internal/procurement"
)

// Message is a rendered notification.
type Message struct {
	UserID  int64
	Subject string
	Body    string
}

// Sender delivers messages to users.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log. It stands in until a
// mail or chat gateway is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the message.
func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.Int64("user_id", msg.UserID),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body))
	return nil
}

// NotifyJob renders and delivers transition notifications.
type NotifyJob struct {
	Sender  Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyJob initialises the notification handler.
func NewNotifyJob(sender Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	return &NotifyJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle processes TaskWorkflowNotify tasks.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sender == nil {
		return errors.New("workflow notify: handler not configured")
	}
	var payload NotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("workflow notify: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskWorkflowNotify)
	defer func() {
		err = tracker.End(err)
	}()

	evt := payload.Event
	msg := Render(evt)
	if err := j.Sender.Send(ctx, msg); err != nil {
		j.logger().Warn("deliver notification",
			slog.String("reference", evt.Reference),
			slog.Int64("user_id", msg.UserID),
			slog.Any("error", err))
		return err
	}
	j.Metrics.AddNotification(evt.RequestType, evt.ToStatus)
	return nil
}

func (j *NotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Render builds the requester-facing message for evt.
func Render(evt procurement.TransitionEvent) Message {
	subject := fmt.Sprintf("[%s] %s: %s -> %s", evt.RequestType, evt.Reference, evt.FromStatus, evt.ToStatus)
	body := fmt.Sprintf("Votre demande %s est passée au statut %s (montant %s).",
		evt.Reference, evt.ToStatus, money.Format(evt.Amount, evt.Currency))
	if evt.Note != "" {
		body += " Motif : " + evt.Note
	}
	if evt.PaymentID != 0 {
		body += " Paiement n° " + strconv.FormatInt(evt.PaymentID, 10) + "."
	}
	return Message{UserID: evt.RequesterID, Subject: subject, Body: body}
}
