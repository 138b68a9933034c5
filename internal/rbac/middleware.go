package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-caisse/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// UserHeader carries the authenticated user id set by the upstream gateway.
const UserHeader = "X-User-ID"

// ActorResolver turns a user id into an Actor.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID int64) (shared.Actor, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service ActorResolver
	Logger  *slog.Logger
}

// Authenticate attaches the actor named by UserHeader. Requests without the
// header pass through anonymously; handlers decide whether that is allowed.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			httpx.RespondError(w, httpx.ErrUnauthenticated)
			return
		}
		actor, err := m.Service.ResolveActor(r.Context(), userID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) || errors.Is(err, ErrInactive) {
				httpx.RespondError(w, httpx.ErrUnauthenticated)
				return
			}
			m.logger().Error("rbac resolve actor", slog.Int64("user_id", userID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireAny ensures the current actor holds at least one of the roles.
func (m Middleware) RequireAny(roles ...shared.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthenticated)
				return
			}
			if len(roles) > 0 {
				if _, ok := actor.HasAny(roles...); !ok {
					httpx.RespondError(w, fmt.Errorf("%w: requires one of %v", shared.ErrUnauthorized, roles))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
