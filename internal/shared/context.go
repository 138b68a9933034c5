package shared

import (
	"context"
	"strings"
)

// Role is a capability held by an actor.
type Role string

// Roles known to the approval workflow and cash ledger.
const (
	RoleRequester       Role = "requester"
	RolePurchasing      Role = "purchasing"
	RoleFinanceDirector Role = "finance_director"
	RoleAccountant      Role = "accountant"
	RoleManager         Role = "manager"
	RoleCashier         Role = "cashier"
)

// ParseRole normalises a stored role name.
func ParseRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID    int64
	Name  string
	Roles []Role
}

// HasAny returns the first of the wanted roles the actor holds.
func (a Actor) HasAny(wanted ...Role) (Role, bool) {
	for _, w := range wanted {
		for _, r := range a.Roles {
			if r == w {
				return w, true
			}
		}
	}
	return "", false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.ID == 0 {
		return Actor{}, false
	}
	return actor, true
}
