package caisse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

func newTestRouter(svc LedgerService, actor *shared.Actor) http.Handler {
	r := chi.NewRouter()
	if actor != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), *actor)))
			})
		})
	}
	r.Route("/caisses", NewHandler(nil, svc, 100).MountRoutes)
	return r
}

func TestHandlerTransferInsufficientFunds(t *testing.T) {
	repo := newMemoryLedgerRepo(siege(), agence())
	svc := newTestService(repo)
	router := newTestRouter(svc, &cashier)

	body := `{"type":"transfer","source_id":1,"destination_id":2,"amount":20000,"justification":"Approvisionnement"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/caisses/operations", strings.NewReader(body)))

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "insufficient_funds")
}

func TestHandlerReplenishmentCreated(t *testing.T) {
	repo := newMemoryLedgerRepo(agence())
	router := newTestRouter(newTestService(repo), &cashier)

	body := `{"type":"replenishment","destination_id":2,"amount":1000,"justification":"Retrait banque"}`
	req := httptest.NewRequest(http.MethodPost, "/caisses/operations", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "abc-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp operationResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, int64(1000), resp.Balances[2])
	require.Equal(t, "abc-1", resp.Transaction.IdempotencyKey)

	req = httptest.NewRequest(http.MethodPost, "/caisses/operations", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "abc-1")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerRequiresActor(t *testing.T) {
	router := newTestRouter(newTestService(newMemoryLedgerRepo()), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/caisses/operations", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandlerRejectsUnknownType(t *testing.T) {
	router := newTestRouter(newTestService(newMemoryLedgerRepo()), &cashier)
	rr := httptest.NewRecorder()
	body := `{"type":"payment","source_id":1,"amount":10,"justification":"Paiement direct"}`
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/caisses/operations", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerGetAccount(t *testing.T) {
	router := newTestRouter(newTestService(newMemoryLedgerRepo(siege())), &cashier)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/caisses/1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp accountResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "15,000 XOF", resp.Display)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/caisses/42", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

var _ LedgerService = (*Service)(nil)

func TestServiceSatisfiesHandlerContract(t *testing.T) {
	var svc LedgerService = newTestService(newMemoryLedgerRepo())
	_, err := svc.GetTransaction(context.Background(), 1)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
