package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

const actorCacheTTL = time.Minute

// Service resolves actors and manages role grants.
type Service struct {
	store    Store
	cache    *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService constructs a Service. cache may be nil.
func NewService(store Store, cache *redis.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, ttl: actorCacheTTL, logger: logger, validate: validator.New()}
}

// ResolveActor loads the user and its roles. Inactive users cannot act.
func (s *Service) ResolveActor(ctx context.Context, userID int64) (shared.Actor, error) {
	if userID <= 0 {
		return shared.Actor{}, ErrNotFound
	}
	if actor, ok := s.cached(ctx, userID); ok {
		return actor, nil
	}
	user, err := s.store.LoadUser(ctx, userID)
	if err != nil {
		return shared.Actor{}, err
	}
	if !user.Active {
		return shared.Actor{}, ErrInactive
	}
	actor := shared.Actor{ID: user.ID, Name: user.Name, Roles: user.Roles}
	s.remember(ctx, actor)
	return actor, nil
}

// CreateUser registers a user without roles.
func (s *Service) CreateUser(ctx context.Context, name, email string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name required", shared.ErrValidation)
	}
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return User{}, fmt.Errorf("%w: invalid email %q", shared.ErrValidation, email)
	}
	return s.store.CreateUser(ctx, name, strings.ToLower(email))
}

// AssignRole grants role to the user.
func (s *Service) AssignRole(ctx context.Context, userID int64, role shared.Role) error {
	role = shared.ParseRole(string(role))
	if !ValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", shared.ErrValidation, role)
	}
	if err := s.store.GrantRole(ctx, userID, role); err != nil {
		return err
	}
	s.forget(ctx, userID)
	return nil
}

// RemoveRole revokes role from the user.
func (s *Service) RemoveRole(ctx context.Context, userID int64, role shared.Role) error {
	if err := s.store.RevokeRole(ctx, userID, shared.ParseRole(string(role))); err != nil {
		return err
	}
	s.forget(ctx, userID)
	return nil
}

func cacheKey(userID int64) string {
	return "caisse:actor:" + strconv.FormatInt(userID, 10)
}

func (s *Service) cached(ctx context.Context, userID int64) (shared.Actor, bool) {
	if s.cache == nil {
		return shared.Actor{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("rbac: read actor cache", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return shared.Actor{}, false
	}
	var actor shared.Actor
	if err := json.Unmarshal(raw, &actor); err != nil || actor.ID != userID {
		return shared.Actor{}, false
	}
	return actor, true
}

func (s *Service) remember(ctx context.Context, actor shared.Actor) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(actor)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(actor.ID), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("rbac: write actor cache", slog.Int64("user_id", actor.ID), slog.Any("error", err))
	}
}

func (s *Service) forget(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(userID)).Err(); err != nil {
		s.logger.Warn("rbac: evict actor cache", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
