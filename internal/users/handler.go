// Package users exposes user and role administration over HTTP.
package users

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-caisse/internal/rbac"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// AdminRoles may manage users and grants.
var AdminRoles = []shared.Role{shared.RoleFinanceDirector}

// Directory is the subset of rbac.Service the handler needs.
type Directory interface {
	CreateUser(ctx context.Context, name, email string) (rbac.User, error)
	AssignRole(ctx context.Context, userID int64, role shared.Role) error
	RemoveRole(ctx context.Context, userID int64, role shared.Role) error
	ResolveActor(ctx context.Context, userID int64) (shared.Actor, error)
}

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	directory Directory
	rbac      rbac.Middleware
	validate  *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, directory Directory, mw rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, directory: directory, rbac: mw, validate: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(AdminRoles...))
		r.Post("/", h.createUser)
		r.Get("/{id}", h.showUser)
		r.Post("/{id}/roles", h.grantRole)
		r.Delete("/{id}/roles/{role}", h.revokeRole)
	})
}

type createUserRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,max=320"`
}

type grantRequest struct {
	Role string `json:"role" validate:"required"`
}

type userResponse struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Email     string        `json:"email,omitempty"`
	Roles     []shared.Role `json:"roles"`
	CreatedAt *time.Time    `json:"created_at,omitempty"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.directory.CreateUser(r.Context(), req.Name, req.Email)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("user created", slog.Int64("user_id", user.ID), slog.Int64("by", actorID(r)))
	httpx.JSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Roles:     []shared.Role{},
		CreatedAt: &user.CreatedAt,
	})
}

func (h *Handler) showUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	h.respondActor(w, r, id, http.StatusOK)
}

func (h *Handler) grantRole(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := httpx.DecodeAndValidate(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.directory.AssignRole(r.Context(), id, shared.Role(req.Role)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("role granted", slog.Int64("user_id", id), slog.String("role", req.Role), slog.Int64("by", actorID(r)))
	h.respondActor(w, r, id, http.StatusOK)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	role := chi.URLParam(r, "role")
	if err := h.directory.RemoveRole(r.Context(), id, shared.Role(role)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("role revoked", slog.Int64("user_id", id), slog.String("role", role), slog.Int64("by", actorID(r)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondActor(w http.ResponseWriter, r *http.Request, id int64, status int) {
	actor, err := h.directory.ResolveActor(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles := actor.Roles
	if roles == nil {
		roles = []shared.Role{}
	}
	httpx.JSON(w, status, userResponse{ID: actor.ID, Name: actor.Name, Roles: roles})
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, rbac.ErrNotFound)
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) int64 {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.ID
}
