// Package store is the source-of-truth persistence layer. The cache layer
// holds time-bounded copies of some of this data; the store is always the
// authority and every cache miss or unknown falls back here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lapis-chat/lapis/internal/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrUsernameTaken is returned when a username is already in use.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrAlreadyExists is returned when a friendship or request already exists.
	ErrAlreadyExists = errors.New("entity already exists")
)

// UserUpdate describes a partial user update. Nil fields are left unchanged.
// Setting Password rotates the authorization token as a security measure;
// the returned user carries the fresh token.
type UserUpdate struct {
	Username *string
	Fullname *string
	Bio      *string
	Password *string
}

// MessageWindow bounds a paginated message fetch.
type MessageWindow struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

// Store is the contract the services and the connection registry program
// against. Postgres is the production implementation.
type Store interface {
	// Users
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	AuthorizedUserByID(ctx context.Context, id uuid.UUID) (*models.AuthorizedUser, error)
	AuthorizedUserByToken(ctx context.Context, token string) (*models.AuthorizedUser, error)
	AuthorizedUserByCredentials(ctx context.Context, username, password string) (*models.AuthorizedUser, error)
	CreateUser(ctx context.Context, username string, fullname *string, password string) (*models.AuthorizedUser, error)
	UpdateUser(ctx context.Context, id uuid.UUID, update UserUpdate) (*models.AuthorizedUser, error)
	DeleteUser(ctx context.Context, id uuid.UUID) (*models.AuthorizedUser, error)

	// Friends
	FriendsOf(ctx context.Context, userID uuid.UUID) ([]models.Friend, error)
	FriendExists(ctx context.Context, a, b uuid.UUID) (bool, error)
	CreateFriend(ctx context.Context, a, b uuid.UUID) (*models.Friend, error)
	DeleteFriend(ctx context.Context, a, b uuid.UUID) (bool, error)

	// Friend requests
	FriendRequestsOf(ctx context.Context, userID uuid.UUID) ([]models.FriendRequest, error)
	FriendRequestExists(ctx context.Context, requester, recipient uuid.UUID) (bool, error)
	CreateFriendRequest(ctx context.Context, requester, recipient uuid.UUID) (*models.FriendRequest, error)
	DeleteFriendRequest(ctx context.Context, requester, recipient uuid.UUID) (bool, error)

	// Messages
	MessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	InsertMessage(ctx context.Context, message *models.Message) error
	UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) (bool, error)
	DirectMessages(ctx context.Context, a, b uuid.UUID, window MessageWindow) ([]models.Message, error)
}
