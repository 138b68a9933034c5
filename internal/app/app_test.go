package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-caisse/internal/observability"
	"github.com/odyssey-erp/odyssey-caisse/internal/rbac"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
	_ "github.com/odyssey-erp/odyssey-caisse/internal/testing/guard"
)

type staticResolver map[int64]shared.Actor

func (s staticResolver) ResolveActor(ctx context.Context, userID int64) (shared.Actor, error) {
	actor, ok := s[userID]
	if !ok {
		return shared.Actor{}, rbac.ErrNotFound
	}
	return actor, nil
}

func TestInTestModeFromGuard(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "XOF", cfg.DefaultCurrency)
	require.Equal(t, 30, cfg.LedgerRateLimit)
	require.Equal(t, 30*time.Second, cfg.InflightTTL)
	require.Equal(t, 720*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, "notifications", cfg.NotifyQueue)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("DEFAULT_CURRENCY", "FCFA")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("DEFAULT_CURRENCY", "XOF")
	t.Setenv("LEDGER_RATE_LIMIT", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestRouterHealthIdentityAndMetrics(t *testing.T) {
	resolver := staticResolver{7: {ID: 7, Name: "Awa", Roles: []shared.Role{shared.RoleAccountant}}}
	router := NewRouter(RouterParams{
		Logger:         NewLogger(&Config{LogFormat: "json"}),
		Config:         &Config{AppEnv: "test"},
		RBACMiddleware: rbac.Middleware{Service: resolver},
		Metrics:        observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(rbac.UserHeader, "7")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"id":7,"name":"Awa","roles":["accountant"]}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "odyssey_http_requests_total")
}
