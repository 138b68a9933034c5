package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-caisse/internal/audit"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.TimelineRow
	verify      audit.Verification
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

func (s *stubTimelineService) Trail(ctx context.Context, entity, entityID string) ([]audit.TimelineRow, error) {
	return s.exportRows, nil
}

func (s *stubTimelineService) Verify(ctx context.Context, entity, entityID string) (audit.Verification, error) {
	return s.verify, nil
}

func newRouter(service *stubTimelineService, actor *shared.Actor) http.Handler {
	h := NewHandler(nil, service)
	h.now = func() time.Time { return time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	if actor != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), *actor)))
			})
		})
	}
	h.MountRoutes(r)
	return r
}

var director = shared.Actor{ID: 3, Roles: []shared.Role{shared.RoleFinanceDirector}}

func TestTimelineDefaultsAndFilters(t *testing.T) {
	svc := &stubTimelineService{result: audit.Result{Paging: audit.PagingInfo{Page: 2, PageSize: 50}}}
	router := newRouter(svc, &director)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?page=2&page_size=500&entity=caisse&actor_id=5", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	f := svc.lastFilters
	if f.Page != 2 || f.PageSize != maxPageSize || f.Entity != "caisse" || f.ActorID != 5 {
		t.Fatalf("unexpected filters %+v", f)
	}
	if !f.From.Equal(time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)) || !f.To.Equal(time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected range %s - %s", f.From, f.To)
	}
}

func TestTimelineRejectsBadRange(t *testing.T) {
	router := newRouter(&stubTimelineService{}, &director)
	for _, q := range []string{"from=2024-03-10&to=2024-03-01", "from=2023-01-01&to=2024-03-01", "page=0", "to=yesterday"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?"+q, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestAuditRequiresViewerRole(t *testing.T) {
	rr := httptest.NewRecorder()
	newRouter(&stubTimelineService{}, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	cashier := shared.Actor{ID: 5, Roles: []shared.Role{shared.RoleCashier}}
	rr = httptest.NewRecorder()
	newRouter(&stubTimelineService{}, &cashier).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/caisse/1", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestExportCSV(t *testing.T) {
	svc := &stubTimelineService{exportRows: []audit.TimelineRow{{ID: 7, Action: "request.pay", Entity: "request", EntityID: "12"}}}
	rr := httptest.NewRecorder()
	newRouter(svc, &director).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "request.pay") {
		t.Fatalf("row missing from export")
	}
}

func TestVerifyEndpoint(t *testing.T) {
	svc := &stubTimelineService{verify: audit.Verification{Entity: "caisse", EntityID: "1", Entries: 3, Valid: false, BrokenAt: 9, Reason: "content hash mismatch"}}
	rr := httptest.NewRecorder()
	newRouter(svc, &director).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/caisse/1/verify", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got audit.Verification
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Valid || got.BrokenAt != 9 {
		t.Fatalf("unexpected verification %+v", got)
	}
}
