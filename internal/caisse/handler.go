package caisse

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-caisse/internal/money"
	"github.com/odyssey-erp/odyssey-caisse/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// LedgerService is the contract the handler needs.
type LedgerService interface {
	ApplyOperation(ctx context.Context, in OperationInput) (OperationResult, error)
	Balance(ctx context.Context, id int64) (Account, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
}

// Handler manages caisse endpoints.
type Handler struct {
	logger    *slog.Logger
	service   LedgerService
	validate  *validator.Validate
	rateLimit int
}

// NewHandler builds Handler instance. rateLimit caps operations per actor per minute.
func NewHandler(logger *slog.Logger, service LedgerService, rateLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if rateLimit <= 0 {
		rateLimit = 30
	}
	return &Handler{logger: logger, service: service, validate: validator.New(), rateLimit: rateLimit}
}

// MountRoutes registers caisse routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.getAccount)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(h.rateLimit, time.Minute, httprate.WithKeyFuncs(actorKey)))
		r.Post("/operations", h.applyOperation)
	})
}

type operationRequest struct {
	Type           string  `json:"type" validate:"required,oneof=replenishment transfer correction"`
	SourceID       int64   `json:"source_id" validate:"gte=0"`
	DestinationID  int64   `json:"destination_id" validate:"gte=0"`
	PaymentID      int64   `json:"payment_id" validate:"gte=0"`
	Amount         float64 `json:"amount" validate:"gte=0,lte=1000000000000000"`
	Justification  string  `json:"justification" validate:"required"`
	IdempotencyKey string  `json:"idempotency_key" validate:"omitempty,max=128"`
}

type accountResponse struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Currency  string `json:"currency"`
	Balance   int64  `json:"balance"`
	Display   string `json:"display"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updated_at"`
}

type operationResponse struct {
	Transaction Transaction     `json:"transaction"`
	Balances    map[int64]int64 `json:"balances"`
	Replayed    bool            `json:"replayed"`
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}
	acc, err := h.service.Balance(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accountResponse{
		ID:        acc.ID,
		Code:      acc.Code,
		Name:      acc.Name,
		Currency:  acc.Currency,
		Balance:   acc.Balance,
		Display:   money.Format(acc.Balance, acc.Currency),
		Active:    acc.Active,
		UpdatedAt: acc.UpdatedAt.Format(time.RFC3339),
	})
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}
	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *Handler) applyOperation(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthenticated)
		return
	}
	var req operationRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	res, err := h.service.ApplyOperation(r.Context(), OperationInput{
		Type:           TransactionType(req.Type),
		SourceID:       req.SourceID,
		DestinationID:  req.DestinationID,
		PaymentID:      req.PaymentID,
		Amount:         req.Amount,
		Justification:  req.Justification,
		Actor:          actor,
		IdempotencyKey: key,
	})
	if err != nil {
		h.logger.Info("caisse operation rejected",
			slog.String("type", req.Type),
			slog.Int64("actor_id", actor.ID),
			slog.String("kind", shared.KindOf(err)))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, operationResponse{Transaction: res.Transaction, Balances: res.Balances, Replayed: res.Replayed})
}

func actorKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "actor:" + strconv.FormatInt(actor.ID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
