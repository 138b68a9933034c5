package users

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-caisse/internal/rbac"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

type fakeDirectory struct {
	users  map[int64]shared.Actor
	nextID int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: map[int64]shared.Actor{
			1: {ID: 1, Name: "Awa Diop", Roles: []shared.Role{shared.RoleFinanceDirector}},
			2: {ID: 2, Name: "Moussa Ba", Roles: []shared.Role{shared.RoleRequester}},
		},
		nextID: 3,
	}
}

func (d *fakeDirectory) CreateUser(ctx context.Context, name, email string) (rbac.User, error) {
	if !strings.Contains(email, "@") {
		return rbac.User{}, fmt.Errorf("%w: invalid email", shared.ErrValidation)
	}
	id := d.nextID
	d.nextID++
	d.users[id] = shared.Actor{ID: id, Name: name}
	return rbac.User{ID: id, Name: name, Email: email, Active: true, CreatedAt: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)}, nil
}

func (d *fakeDirectory) AssignRole(ctx context.Context, userID int64, role shared.Role) error {
	if !rbac.ValidRole(role) {
		return fmt.Errorf("%w: unknown role", shared.ErrValidation)
	}
	u, ok := d.users[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	u.Roles = append(u.Roles, role)
	d.users[userID] = u
	return nil
}

func (d *fakeDirectory) RemoveRole(ctx context.Context, userID int64, role shared.Role) error {
	u, ok := d.users[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	kept := u.Roles[:0]
	for _, r := range u.Roles {
		if r != role {
			kept = append(kept, r)
		}
	}
	u.Roles = kept
	d.users[userID] = u
	return nil
}

func (d *fakeDirectory) ResolveActor(ctx context.Context, userID int64) (shared.Actor, error) {
	u, ok := d.users[userID]
	if !ok {
		return shared.Actor{}, rbac.ErrNotFound
	}
	return u, nil
}

func newRouter(dir *fakeDirectory) http.Handler {
	mw := rbac.Middleware{Service: dir}
	r := chi.NewRouter()
	r.Use(mw.Authenticate)
	r.Route("/users", NewHandler(nil, dir, mw).MountRoutes)
	return r
}

func call(h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(rbac.UserHeader, user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCreateUserAndGrantRole(t *testing.T) {
	dir := newFakeDirectory()
	router := newRouter(dir)

	rr := call(router, http.MethodPost, "/users", "1", `{"name":"Fatou Sow","email":"fatou@caisse.sn"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created userResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, int64(3), created.ID)
	require.Empty(t, created.Roles)

	rr = call(router, http.MethodPost, "/users/3/roles", "1", `{"role":"cashier"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var granted userResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &granted))
	require.Equal(t, []shared.Role{shared.RoleCashier}, granted.Roles)

	rr = call(router, http.MethodDelete, "/users/3/roles/cashier", "1", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Empty(t, dir.users[3].Roles)
}

func TestUserAdminRequiresDirector(t *testing.T) {
	router := newRouter(newFakeDirectory())

	require.Equal(t, http.StatusUnauthorized, call(router, http.MethodGet, "/users/2", "", "").Code)
	require.Equal(t, http.StatusForbidden, call(router, http.MethodGet, "/users/2", "2", "").Code)
	require.Equal(t, http.StatusUnauthorized, call(router, http.MethodGet, "/users/2", "99", "").Code)
	require.Equal(t, http.StatusOK, call(router, http.MethodGet, "/users/2", "1", "").Code)
}

func TestUserAdminErrors(t *testing.T) {
	router := newRouter(newFakeDirectory())

	require.Equal(t, http.StatusBadRequest, call(router, http.MethodPost, "/users", "1", `{"name":"X","email":"nope"}`).Code)
	require.Equal(t, http.StatusBadRequest, call(router, http.MethodPost, "/users/2/roles", "1", `{"role":"admin"}`).Code)
	require.Equal(t, http.StatusNotFound, call(router, http.MethodGet, "/users/42", "1", "").Code)
	require.Equal(t, http.StatusNotFound, call(router, http.MethodGet, "/users/abc", "1", "").Code)
}
