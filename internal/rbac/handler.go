package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// MountRoutes registers identity routes.
func (m Middleware) MountRoutes(r chi.Router) {
	r.With(m.RequireAny()).Get("/me", m.me)
}

type meResponse struct {
	ID    int64         `json:"id"`
	Name  string        `json:"name"`
	Roles []shared.Role `json:"roles"`
}

func (m Middleware) me(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, meResponse{ID: actor.ID, Name: actor.Name, Roles: actor.Roles})
}
