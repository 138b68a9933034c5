package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// User is a person who may act on requests or cash accounts.
type User struct {
	ID        int64
	Name      string
	Email     string
	Active    bool
	Roles     []shared.Role
	CreatedAt time.Time
}

// Store persists users and their role grants.
type Store interface {
	LoadUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, name, email string) (User, error)
	GrantRole(ctx context.Context, userID int64, role shared.Role) error
	RevokeRole(ctx context.Context, userID int64, role shared.Role) error
}

var (
	// ErrNotFound indicates that the requested user does not exist.
	ErrNotFound = fmt.Errorf("%w: rbac: user", shared.ErrNotFound)
	// ErrInactive is returned when a disabled user tries to act.
	ErrInactive = fmt.Errorf("%w: rbac: user inactive", shared.ErrUnauthorized)
)

var knownRoles = map[shared.Role]struct{}{
	shared.RoleRequester:       {},
	shared.RolePurchasing:      {},
	shared.RoleFinanceDirector: {},
	shared.RoleAccountant:      {},
	shared.RoleManager:         {},
	shared.RoleCashier:         {},
}

// ValidRole reports whether r is one of the roles the workflow knows.
func ValidRole(r shared.Role) bool {
	_, ok := knownRoles[r]
	return ok
}
