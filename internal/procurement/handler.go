package procurement

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
	"github.com/odyssey-erp/odyssey-caisse/internal/workflow"
)

// RequestService is the contract the handler needs.
type RequestService interface {
	CreateRequest(ctx context.Context, input CreateInput) (Request, error)
	AddLine(ctx context.Context, requestType workflow.RequestType, requestID int64, input LineInput, actor shared.Actor) (Request, error)
	SubmitWorkflowAction(ctx context.Context, in ActionInput) (Request, error)
	GetRequest(ctx context.Context, requestType workflow.RequestType, id int64) (Request, error)
	AvailableActions(req Request, actor shared.Actor) []workflow.Action
}

// Handler manages request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  RequestService
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service RequestService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers request routes under /{type}.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/{type}", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Post("/{id}/lines", h.addLine)
		r.Post("/{id}/actions/{action}", h.act)
	})
}

type lineRequest struct {
	Description string  `json:"description" validate:"required,max=500"`
	Quantity    float64 `json:"quantity" validate:"gt=0,lte=1000000000"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0,lte=1000000000000000"`
}

type createRequest struct {
	Reference     string        `json:"reference" validate:"omitempty,max=64"`
	Department    string        `json:"department" validate:"max=120"`
	Currency      string        `json:"currency" validate:"omitempty,len=3"`
	Priority      string        `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Justification string        `json:"justification" validate:"max=2000"`
	Lines         []lineRequest `json:"lines" validate:"dive"`
}

type actionRequest struct {
	Reason        string               `json:"reason"`
	Comment       string               `json:"comment"`
	CashAccountID int64                `json:"cash_account_id" validate:"gte=0"`
	Prices        []workflow.LinePrice `json:"prices" validate:"dive"`
}

type requestResponse struct {
	Request
	Actions []workflow.Action `json:"available_actions"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, typ, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateInput{
		Type:          typ,
		Reference:     req.Reference,
		Department:    req.Department,
		Currency:      req.Currency,
		Priority:      Priority(req.Priority),
		Justification: req.Justification,
		Actor:         actor,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput(l))
	}
	created, err := h.service.CreateRequest(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, created, actor)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, typ, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(r.Context(), typ, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, req, actor)
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	actor, typ, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req lineRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	updated, err := h.service.AddLine(r.Context(), typ, id, LineInput(req), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, updated, actor)
}

func (h *Handler) act(w http.ResponseWriter, r *http.Request) {
	actor, typ, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	action := workflow.Action(chi.URLParam(r, "action"))
	updated, err := h.service.SubmitWorkflowAction(r.Context(), ActionInput{
		Type:      typ,
		RequestID: id,
		Action:    action,
		Actor:     actor,
		Payload: workflow.Payload{
			Reason:        req.Reason,
			Comment:       req.Comment,
			CashAccountID: req.CashAccountID,
			Prices:        req.Prices,
		},
	})
	if err != nil {
		h.logger.Info("workflow action rejected",
			slog.String("type", string(typ)),
			slog.Int64("request_id", id),
			slog.String("action", string(action)),
			slog.Int64("actor_id", actor.ID),
			slog.String("kind", shared.KindOf(err)))
		httpx.RespondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, updated, actor)
}

func (h *Handler) respond(w http.ResponseWriter, status int, req Request, actor shared.Actor) {
	httpx.JSON(w, status, requestResponse{Request: req, Actions: h.service.AvailableActions(req, actor)})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (shared.Actor, workflow.RequestType, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthenticated)
		return shared.Actor{}, "", false
	}
	typ, err := workflow.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Actor{}, "", false
	}
	return actor, typ, true
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, ErrNotFound)
		return 0, false
	}
	return id, true
}
