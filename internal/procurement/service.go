package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-caisse/internal/caisse"
	"github.com/odyssey-erp/odyssey-caisse/internal/money"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
	"github.com/odyssey-erp/odyssey-caisse/internal/workflow"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id int64) (Request, error)
	ListLines(ctx context.Context, requestID int64) ([]LineItem, error)
	ListTransitions(ctx context.Context, requestType workflow.RequestType, requestID int64) ([]shared.ApprovalLog, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateRequest(ctx context.Context, req Request) (int64, error)
	GetRequestForUpdate(ctx context.Context, id int64) (Request, error)
	ListLines(ctx context.Context, requestID int64) ([]LineItem, error)
	InsertLine(ctx context.Context, line LineItem) (int64, error)
	UpdateLinePrice(ctx context.Context, lineID int64, unitPrice float64, total int64) error
	// UpdateState applies change only while the row still holds
	// change.FromStatus and change.Version; otherwise ErrStaleRequest.
	UpdateState(ctx context.Context, change StateChange) error
	RecordTransition(ctx context.Context, log shared.ApprovalLog) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
	// Ledger binds the cash ledger to the same transaction.
	Ledger() caisse.TxRepository
}

// PaymentPort posts the payment leg of a transition inside its transaction.
type PaymentPort interface {
	PayInTx(ctx context.Context, tx caisse.TxRepository, in caisse.PaymentInput) (caisse.Transaction, error)
}

// Guard rejects duplicate concurrent submissions early.
type Guard interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// MetricsRecorder receives transition outcomes.
type MetricsRecorder interface {
	ObserveTransition(requestType, action, outcome string)
}

// Service orchestrates request lifecycles.
type Service struct {
	repo     RepositoryPort
	payments PaymentPort
	notifier Notifier
	guard    Guard
	metrics  MetricsRecorder
	logger   *slog.Logger
	currency string
	now      func() time.Time
}

// ServiceConfig carries optional collaborators.
type ServiceConfig struct {
	Notifier        Notifier
	Guard           Guard
	Metrics         MetricsRecorder
	Logger          *slog.Logger
	DefaultCurrency string
	Now             func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, payments PaymentPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:     repo,
		payments: payments,
		notifier: cfg.Notifier,
		guard:    cfg.Guard,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		currency: cfg.DefaultCurrency,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.currency == "" {
		s.currency = money.DefaultCurrency
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// CreateInput describes creation payload.
type CreateInput struct {
	Type          workflow.RequestType
	Reference     string
	Department    string
	Currency      string
	Priority      Priority
	Justification string
	Actor         shared.Actor
	Lines         []LineInput
}

// LineInput describes request line.
type LineInput struct {
	Description string
	Quantity    float64
	UnitPrice   float64
}

// ActionInput names a workflow action on a request.
type ActionInput struct {
	Type      workflow.RequestType
	RequestID int64
	Action    workflow.Action
	Actor     shared.Actor
	Payload   workflow.Payload
}

// CreateRequest persists a request in its initial status with optional lines.
func (s *Service) CreateRequest(ctx context.Context, input CreateInput) (Request, error) {
	machine, err := workflow.Lookup(input.Type)
	if err != nil {
		return Request{}, err
	}
	if _, ok := input.Actor.HasAny(shared.RoleRequester); !ok {
		return Request{}, fmt.Errorf("%w: only requesters create requests", shared.ErrUnauthorized)
	}
	if input.Priority == "" {
		input.Priority = PriorityNormal
	}
	if !input.Priority.valid() {
		return Request{}, fmt.Errorf("%w: unknown priority %q", shared.ErrValidation, input.Priority)
	}
	if input.Reference == "" {
		input.Reference = generateNumber(input.Type, s.now())
	}
	lines := make([]LineItem, 0, len(input.Lines))
	for _, l := range input.Lines {
		line, err := buildLine(l)
		if err != nil {
			return Request{}, err
		}
		lines = append(lines, line)
	}
	now := s.now()
	req := Request{
		Type:          input.Type,
		Reference:     input.Reference,
		RequesterID:   input.Actor.ID,
		Department:    strings.TrimSpace(input.Department),
		Currency:      defaultString(strings.ToUpper(strings.TrimSpace(input.Currency)), s.currency),
		Priority:      input.Priority,
		Justification: strings.TrimSpace(input.Justification),
		Status:        machine.Initial(),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, l := range lines {
		if req.Total, err = money.Sum(req.Total, l.Total); err != nil {
			return Request{}, err
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRequest(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		for i := range lines {
			lines[i].RequestID = id
			lineID, err := tx.InsertLine(ctx, lines[i])
			if err != nil {
				return err
			}
			lines[i].ID = lineID
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.Actor.ID,
			Role:     shared.RoleRequester,
			Action:   "request.create",
			Entity:   "request",
			EntityID: strconv.FormatInt(id, 10),
			After:    req.snapshot(),
			Meta:     map[string]any{"type": string(req.Type), "reference": req.Reference, "lines": len(lines)},
			At:       now,
		})
	})
	if err != nil {
		return Request{}, err
	}
	req.Lines = lines
	return req, nil
}

// AddLine appends a line while the request is editable. Only the requester may do so.
func (s *Service) AddLine(ctx context.Context, requestType workflow.RequestType, requestID int64, input LineInput, actor shared.Actor) (Request, error) {
	machine, err := workflow.Lookup(requestType)
	if err != nil {
		return Request{}, err
	}
	line, err := buildLine(input)
	if err != nil {
		return Request{}, err
	}
	var updated Request
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Type != requestType {
			return ErrNotFound
		}
		if !machine.IsEditable(req.Status) {
			return fmt.Errorf("%w (status %s)", ErrNotEditable, req.Status)
		}
		if actor.ID != req.RequesterID {
			return fmt.Errorf("%w: only the requester may add lines", shared.ErrUnauthorized)
		}
		line.RequestID = req.ID
		lineID, err := tx.InsertLine(ctx, line)
		if err != nil {
			return err
		}
		line.ID = lineID
		now := s.now()
		total, err := money.Sum(req.Total, line.Total)
		if err != nil {
			return err
		}
		change := StateChange{ID: req.ID, FromStatus: req.Status, ToStatus: req.Status, Version: req.Version, Total: total, At: now}
		if err := tx.UpdateState(ctx, change); err != nil {
			return err
		}
		updated = req
		updated.Total = change.Total
		updated.Version = req.Version + 1
		updated.UpdatedAt = now
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Role:     shared.RoleRequester,
			Action:   "request.line_add",
			Entity:   "request",
			EntityID: strconv.FormatInt(req.ID, 10),
			Before:   req.snapshot(),
			After:    updated.snapshot(),
			Meta:     map[string]any{"line_id": lineID, "description": line.Description, "line_total": line.Total},
			At:       now,
		})
	})
	if err != nil {
		return Request{}, err
	}
	return updated, nil
}

// SubmitWorkflowAction validates and applies one transition. The status
// change, its effects, the transition stamp and the audit entry commit or
// roll back together; the notification is sent after commit.
func (s *Service) SubmitWorkflowAction(ctx context.Context, in ActionInput) (Request, error) {
	machine, err := workflow.Lookup(in.Type)
	if err != nil {
		return Request{}, err
	}
	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, shared.ActionLockKey("request", in.RequestID, string(in.Action)))
		if err != nil {
			s.observe(in, err)
			return Request{}, err
		}
		defer release()
	}

	var (
		updated  Request
		decision workflow.Decision
		payment  caisse.Transaction
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetRequestForUpdate(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Type != in.Type {
			return ErrNotFound
		}
		lines, err := tx.ListLines(ctx, req.ID)
		if err != nil {
			return err
		}
		decision, err = machine.Resolve(req.subject(lines), in.Action, in.Actor, in.Payload)
		if err != nil {
			return err
		}
		now := s.now()
		total := req.Total
		switch decision.Transition.Effect {
		case workflow.EffectPricing:
			total, err = s.applyPricing(ctx, tx, lines, in.Payload.Prices)
			if err != nil {
				return err
			}
		case workflow.EffectPayment:
			if s.payments == nil {
				return fmt.Errorf("procurement: payment port not configured")
			}
			payment, err = s.payments.PayInTx(ctx, tx.Ledger(), caisse.PaymentInput{
				AccountID:   in.Payload.CashAccountID,
				Amount:      req.Total,
				Currency:    req.Currency,
				RequestType: string(req.Type),
				RequestID:   req.ID,
				Reference:   req.Reference,
				Actor:       in.Actor,
				Role:        decision.Role,
			})
			if err != nil {
				return err
			}
		}
		change := StateChange{ID: req.ID, FromStatus: decision.From, ToStatus: decision.To, Version: req.Version, Total: total, At: now}
		if err := tx.UpdateState(ctx, change); err != nil {
			return err
		}
		updated = req
		updated.Status = decision.To
		updated.Total = total
		updated.Version = req.Version + 1
		updated.UpdatedAt = now
		if err := tx.RecordTransition(ctx, shared.ApprovalLog{
			Module:     string(req.Type),
			RefID:      req.ID,
			ActorID:    in.Actor.ID,
			Role:       decision.Role,
			Action:     string(in.Action),
			FromStatus: string(decision.From),
			ToStatus:   string(decision.To),
			Note:       in.Payload.Note(),
			At:         now,
		}); err != nil {
			return err
		}
		meta := map[string]any{"type": string(req.Type), "reference": req.Reference}
		if note := in.Payload.Note(); note != "" {
			meta["note"] = note
		}
		if payment.ID != 0 {
			meta["payment_id"] = payment.ID
			meta["cash_account_id"] = payment.SourceID
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  in.Actor.ID,
			Role:     decision.Role,
			Action:   "request." + string(in.Action),
			Entity:   "request",
			EntityID: strconv.FormatInt(req.ID, 10),
			Before:   req.snapshot(),
			After:    updated.snapshot(),
			Meta:     meta,
			At:       now,
		})
	})
	s.observe(in, err)
	if err != nil {
		return Request{}, err
	}
	s.notify(ctx, TransitionEvent{
		RequestType: string(updated.Type),
		RequestID:   updated.ID,
		Reference:   updated.Reference,
		Action:      string(in.Action),
		FromStatus:  string(decision.From),
		ToStatus:    string(decision.To),
		ActorID:     in.Actor.ID,
		Role:        string(decision.Role),
		RequesterID: updated.RequesterID,
		Amount:      updated.Total,
		Currency:    updated.Currency,
		Note:        in.Payload.Note(),
		PaymentID:   payment.ID,
		At:          updated.UpdatedAt,
	})
	return updated, nil
}

// GetRequest returns a request with its lines and transition history.
func (s *Service) GetRequest(ctx context.Context, requestType workflow.RequestType, id int64) (Request, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Type != requestType {
		return Request{}, ErrNotFound
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lines, err := s.repo.ListLines(gctx, id)
		req.Lines = lines
		return err
	})
	g.Go(func() error {
		stamps, err := s.repo.ListTransitions(gctx, req.Type, id)
		req.Transitions = stamps
		return err
	})
	if err := g.Wait(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// AvailableActions lists the actions the actor could attempt now.
func (s *Service) AvailableActions(req Request, actor shared.Actor) []workflow.Action {
	machine, err := workflow.Lookup(req.Type)
	if err != nil {
		return nil
	}
	return machine.Allowed(req.subject(req.Lines), actor)
}

func (s *Service) applyPricing(ctx context.Context, tx TxRepository, lines []LineItem, prices []workflow.LinePrice) (int64, error) {
	set := make(map[int64]float64, len(prices))
	for _, p := range prices {
		set[p.LineID] = p.UnitPrice
	}
	var total int64
	for _, l := range lines {
		if price, ok := set[l.ID]; ok {
			lineTotal, err := money.LineTotal(l.Quantity, price)
			if err != nil {
				return 0, err
			}
			l.UnitPrice = price
			l.Total = lineTotal
			if err := tx.UpdateLinePrice(ctx, l.ID, l.UnitPrice, l.Total); err != nil {
				return 0, err
			}
		}
		var err error
		if total, err = money.Sum(total, l.Total); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (s *Service) notify(ctx context.Context, evt TransitionEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTransition(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("procurement: notify transition",
			slog.String("reference", evt.Reference),
			slog.String("action", evt.Action),
			slog.Any("error", err))
	}
}

func (s *Service) observe(in ActionInput, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = shared.KindOf(err)
	}
	s.metrics.ObserveTransition(string(in.Type), string(in.Action), outcome)
}

func buildLine(in LineInput) (LineItem, error) {
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return LineItem{}, fmt.Errorf("%w: line description required", shared.ErrValidation)
	}
	if !(in.Quantity > 0) {
		return LineItem{}, fmt.Errorf("%w: line quantity must be positive", shared.ErrValidation)
	}
	if !(in.UnitPrice >= 0) {
		return LineItem{}, fmt.Errorf("%w: line unit price must not be negative", shared.ErrValidation)
	}
	total, err := money.LineTotal(in.Quantity, in.UnitPrice)
	if err != nil {
		return LineItem{}, err
	}
	return LineItem{Description: desc, Quantity: in.Quantity, UnitPrice: in.UnitPrice, Total: total}, nil
}

func generateNumber(t workflow.RequestType, now time.Time) string {
	prefix := strings.ReplaceAll(string(t), "_", "")
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), suffix)
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
