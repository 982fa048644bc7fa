// Package friend implements the friendship graph: pending requests and
// accepted edges, with the symmetric event fan-out both sides rely on.
package friend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/store"
)

var (
	// ErrSelfAction is returned when a user targets themselves.
	ErrSelfAction = errors.New("cannot target yourself")

	// ErrUserNotFound is returned when the target user does not exist.
	ErrUserNotFound = errors.New("target user not found")

	// ErrAlreadyFriends is returned when the two users are already friends.
	ErrAlreadyFriends = errors.New("users are already friends")
)

// UserDirectory answers existence checks for user ids. The user service
// implements it on top of the cached existence flag.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Service implements friend and friend request operations.
type Service struct {
	store store.Store
	users UserDirectory
	bus   *events.Bus
	log   *zap.Logger
}

// New creates a friend service.
func New(st store.Store, users UserDirectory, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{
		store: st,
		users: users,
		bus:   bus,
		log:   log.With(zap.String("module", "friend_service")),
	}
}

func (s *Service) checkTarget(ctx context.Context, operating, target uuid.UUID) error {
	if operating == target {
		return ErrSelfAction
	}
	exists, err := s.users.Exists(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to verify target user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

// List returns the operating user's friends as the other endpoint's id.
func (s *Service) List(ctx context.Context, operating uuid.UUID) ([]uuid.UUID, error) {
	friends, err := s.store.FriendsOf(ctx, operating)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(friends))
	for i := range friends {
		other, err := friends[i].Other(operating)
		if err != nil {
			return nil, err
		}
		out = append(out, other)
	}
	return out, nil
}

// ListRequests returns the operating user's pending requests, incoming and
// outgoing, from their perspective.
func (s *Service) ListRequests(ctx context.Context, operating uuid.UUID) ([]models.FriendRequestView, error) {
	requests, err := s.store.FriendRequestsOf(ctx, operating)
	if err != nil {
		return nil, err
	}
	out := make([]models.FriendRequestView, 0, len(requests))
	for i := range requests {
		view, err := requests[i].View(operating)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// SendRequest creates a pending request from the operating user to the
// target. When the target already sent the mirror request, the two users
// evidently agree, so the pair is befriended right away instead.
func (s *Service) SendRequest(ctx context.Context, operating, target uuid.UUID) error {
	if err := s.checkTarget(ctx, operating, target); err != nil {
		return err
	}

	friends, err := s.store.FriendExists(ctx, operating, target)
	if err != nil {
		return err
	}
	if friends {
		return ErrAlreadyFriends
	}

	mirror, err := s.store.FriendRequestExists(ctx, target, operating)
	if err != nil {
		return err
	}
	if mirror {
		return s.befriend(ctx, operating, target)
	}

	request, err := s.store.CreateFriendRequest(ctx, operating, target)
	if err != nil {
		return err
	}

	if err := s.bus.DispatchFriendRequestReceive(ctx, *request); err != nil {
		s.log.Error("failed to dispatch friend request event",
			zap.String("recipient_id", target.String()), zap.Error(err))
	}
	return nil
}

// AcceptRequest turns a pending request from the requester into a
// friendship. The request must be addressed to the operating user.
func (s *Service) AcceptRequest(ctx context.Context, operating, requester uuid.UUID) error {
	if operating == requester {
		return ErrSelfAction
	}

	existed, err := s.store.DeleteFriendRequest(ctx, requester, operating)
	if err != nil {
		return err
	}
	if !existed {
		return store.ErrNotFound
	}
	return s.befriend(ctx, operating, requester)
}

// befriend creates the edge and fans FRIEND_CREATE out to both endpoints.
// Any pending request between the pair is consumed first by the caller.
func (s *Service) befriend(ctx context.Context, operating, target uuid.UUID) error {
	// Consume the mirror request if one is still pending.
	if _, err := s.store.DeleteFriendRequest(ctx, target, operating); err != nil {
		return err
	}

	if _, err := s.store.CreateFriend(ctx, operating, target); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAlreadyFriends
		}
		return err
	}

	if err := s.bus.DispatchFriendCreate(ctx, operating.String(), target.String()); err != nil {
		s.log.Error("failed to dispatch friend create",
			zap.String("user_id", operating.String()),
			zap.String("target_id", target.String()), zap.Error(err))
	}
	return nil
}

// WithdrawRequest cancels a request the operating user previously sent.
func (s *Service) WithdrawRequest(ctx context.Context, operating, recipient uuid.UUID) error {
	existed, err := s.store.DeleteFriendRequest(ctx, operating, recipient)
	if err != nil {
		return err
	}
	if !existed {
		return store.ErrNotFound
	}
	return nil
}

// RejectRequest dismisses a request addressed to the operating user. The
// requester is not notified.
func (s *Service) RejectRequest(ctx context.Context, operating, requester uuid.UUID) error {
	existed, err := s.store.DeleteFriendRequest(ctx, requester, operating)
	if err != nil {
		return err
	}
	if !existed {
		return store.ErrNotFound
	}
	return nil
}

// Unfriend removes the friendship edge and fans FRIEND_DELETE out to both
// endpoints.
func (s *Service) Unfriend(ctx context.Context, operating, target uuid.UUID) error {
	if operating == target {
		return ErrSelfAction
	}

	existed, err := s.store.DeleteFriend(ctx, operating, target)
	if err != nil {
		return err
	}
	if !existed {
		return store.ErrNotFound
	}

	if err := s.bus.DispatchFriendDelete(ctx, operating.String(), target.String()); err != nil {
		s.log.Error("failed to dispatch friend delete",
			zap.String("user_id", operating.String()),
			zap.String("target_id", target.String()), zap.Error(err))
	}
	return nil
}
