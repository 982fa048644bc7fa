// Package user implements account operations and the token authorization
// path. It owns the cache coherence rules for user entries: which operations
// evict, which populate, and when a populate must be conditional.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/cache"
	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/store"
)

var (
	// ErrUnauthorized is returned when a token matches no live account.
	ErrUnauthorized = errors.New("invalid authorization token")

	// ErrValidation is the base of all field validation failures.
	ErrValidation = errors.New("validation failed")
)

// Disconnector tears down every live websocket session of a user. The
// connection registry implements it; deletion of an account must not leave
// its sessions streaming.
type Disconnector interface {
	DisconnectAll(ctx context.Context, userID string) error
}

// Service implements user account operations.
type Service struct {
	store      store.Store
	cache      *cache.Cache
	bus        *events.Bus
	disconnect Disconnector
	log        *zap.Logger
}

// New creates a user service.
func New(st store.Store, ca *cache.Cache, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{
		store: st,
		cache: ca,
		bus:   bus,
		log:   log.With(zap.String("module", "user_service")),
	}
}

// SetDisconnector wires the connection registry in after construction. The
// registry depends on this service for authorization, so the cycle is broken
// here rather than in the constructors.
func (s *Service) SetDisconnector(d Disconnector) {
	s.disconnect = d
}

func validateUsername(username string) error {
	if n := len(username); n < models.UserUsernameMinLength || n > models.UserUsernameMaxLength {
		return fmt.Errorf("%w: username must be %d to %d characters",
			ErrValidation, models.UserUsernameMinLength, models.UserUsernameMaxLength)
	}
	return nil
}

func validateFullname(fullname *string) error {
	if fullname == nil {
		return nil
	}
	if n := len(*fullname); n < models.UserFullnameMinLength || n > models.UserFullnameMaxLength {
		return fmt.Errorf("%w: fullname must be %d to %d characters",
			ErrValidation, models.UserFullnameMinLength, models.UserFullnameMaxLength)
	}
	return nil
}

func validateBio(bio *string) error {
	if bio != nil && len(*bio) > models.UserBioMaxLength {
		return fmt.Errorf("%w: bio must be at most %d characters", ErrValidation, models.UserBioMaxLength)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < models.UserPasswordMinLength {
		return fmt.Errorf("%w: password must be at least %d characters",
			ErrValidation, models.UserPasswordMinLength)
	}
	return nil
}

// Authorize resolves a token to its account, cache first. A cache infra error
// is treated as a miss so an unreachable cache degrades to store reads instead
// of failing authorization outright.
func (s *Service) Authorize(ctx context.Context, token string) (*models.AuthorizedUser, error) {
	cached, err := s.cache.UserByToken(ctx, token)
	if err != nil {
		s.log.Warn("cache unavailable during authorization, falling back to store", zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	u, err := s.store.AuthorizedUserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to authorize token: %w", err)
	}

	if err := s.cache.SetUserByToken(ctx, u, false); err != nil {
		s.log.Warn("failed to populate user cache", zap.Error(err))
	}
	return u, nil
}

// Get fetches the public view of a user.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.store.UserByID(ctx, id)
}

// Exists reports whether a user id references a live account, consulting the
// cached existence flag first. An unknown flag, including a cache infra
// error, falls back to the store and repopulates the flag.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	exists, known, err := s.cache.UserIDExists(ctx, id.String())
	if err != nil {
		s.log.Warn("cache unavailable during existence check", zap.Error(err))
	} else if known {
		return exists, nil
	}

	_, err = s.store.UserByID(ctx, id)
	switch {
	case err == nil:
		exists = true
	case errors.Is(err, store.ErrNotFound):
		exists = false
	default:
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}

	if err := s.cache.SetUserIDExists(ctx, id.String(), exists, false); err != nil {
		s.log.Warn("failed to populate existence flag", zap.Error(err))
	}
	return exists, nil
}

// Create registers a new account and returns it with a fresh token.
func (s *Service) Create(ctx context.Context, username string, fullname *string, password string) (*models.AuthorizedUser, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateFullname(fullname); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	u, err := s.store.CreateUser(ctx, username, fullname, password)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetUserByToken(ctx, u, false); err != nil {
		s.log.Warn("failed to populate user cache", zap.Error(err))
	}
	if err := s.cache.SetUserIDExists(ctx, u.ID.String(), true, false); err != nil {
		s.log.Warn("failed to populate existence flag", zap.Error(err))
	}
	return u, nil
}

// Login verifies a username/password pair and returns the account.
func (s *Service) Login(ctx context.Context, username, password string) (*models.AuthorizedUser, error) {
	u, err := s.store.AuthorizedUserByCredentials(ctx, username, password)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to verify credentials: %w", err)
	}
	return u, nil
}

// Edit applies a partial profile update and fans the change out.
//
// A password change rotates the token: the entry under the old token is
// evicted and the new one written unconditionally, since no concurrent writer
// can know the fresh token yet. Edits that keep the token refresh the cache
// conditionally so a concurrent rotation's eviction is never undone.
func (s *Service) Edit(ctx context.Context, id uuid.UUID, update store.UserUpdate) (*models.AuthorizedUser, error) {
	if update.Username != nil {
		if err := validateUsername(*update.Username); err != nil {
			return nil, err
		}
	}
	if err := validateFullname(update.Fullname); err != nil {
		return nil, err
	}
	if err := validateBio(update.Bio); err != nil {
		return nil, err
	}
	if update.Password != nil {
		if err := validatePassword(*update.Password); err != nil {
			return nil, err
		}
	}

	current, err := s.store.AuthorizedUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateUser(ctx, id, update)
	if err != nil {
		return nil, err
	}

	if updated.Token != current.Token {
		if err := s.cache.DeleteUserByToken(ctx, current.Token); err != nil {
			s.log.Warn("failed to evict rotated token", zap.Error(err))
		}
		if err := s.cache.SetUserByToken(ctx, updated, false); err != nil {
			s.log.Warn("failed to cache rotated user", zap.Error(err))
		}
	} else {
		if err := s.cache.SetUserByToken(ctx, updated, true); err != nil {
			s.log.Warn("failed to refresh cached user", zap.Error(err))
		}
	}

	if err := s.bus.DispatchUserUpdate(ctx, updated.Public()); err != nil {
		s.log.Error("failed to dispatch user update", zap.String("user_id", id.String()), zap.Error(err))
	}
	return updated, nil
}

// Delete removes an account: the row, its cache entries, its live sessions,
// and finally a USER_DELETE event for anyone still subscribed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	deleted, err := s.store.DeleteUser(ctx, id)
	if err != nil {
		return err
	}

	if err := s.cache.DeleteUserByToken(ctx, deleted.Token); err != nil {
		s.log.Warn("failed to evict deleted user", zap.Error(err))
	}
	if err := s.cache.SetUserIDExists(ctx, id.String(), false, false); err != nil {
		s.log.Warn("failed to mark user as deleted", zap.Error(err))
	}

	if s.disconnect != nil {
		if err := s.disconnect.DisconnectAll(ctx, id.String()); err != nil {
			s.log.Error("failed to disconnect sessions of deleted user",
				zap.String("user_id", id.String()), zap.Error(err))
		}
	}

	if err := s.bus.DispatchUserDelete(ctx, id.String()); err != nil {
		s.log.Error("failed to dispatch user delete", zap.String("user_id", id.String()), zap.Error(err))
	}
	return nil
}
