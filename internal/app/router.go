package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/odyssey-caisse/internal/audit/http"
	"github.com/odyssey-erp/odyssey-caisse/internal/caisse"
	"github.com/odyssey-erp/odyssey-caisse/internal/observability"
	"github.com/odyssey-erp/odyssey-caisse/internal/procurement"
	"github.com/odyssey-erp/odyssey-caisse/internal/rbac"
	"github.com/odyssey-erp/odyssey-caisse/internal/users"
	"github.com/odyssey-erp/odyssey-caisse/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	RBACMiddleware     rbac.Middleware
	ProcurementHandler *procurement.Handler
	CaisseHandler      *caisse.Handler
	AuditHandler       *audithttp.Handler
	UsersHandler       *users.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		RBAC:    params.RBACMiddleware,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	params.RBACMiddleware.MountRoutes(r)
	if params.ProcurementHandler != nil {
		r.Route("/requests", params.ProcurementHandler.MountRoutes)
	}
	if params.CaisseHandler != nil {
		r.Route("/caisses", params.CaisseHandler.MountRoutes)
	}
	if params.UsersHandler != nil {
		r.Route("/users", params.UsersHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		params.AuditHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	return r
}
