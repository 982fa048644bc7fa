package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	UserUsernameMinLength = 3
	UserUsernameMaxLength = 80
	UserFullnameMinLength = 3
	UserFullnameMaxLength = 100
	UserBioMaxLength      = 300
	UserPasswordMinLength = 8
)

// User represents a user as exposed over the API and in event payloads.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Fullname  *string   `json:"fullname,omitempty"`
	Bio       *string   `json:"bio,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorizedUser is a user together with its credentials. This is the shape
// stored in the source-of-truth store and cached under the token key; it is
// never serialized to clients directly, use Public for that.
type AuthorizedUser struct {
	User
	PasswordHash string `json:"password"`
	Token        string `json:"token"`
}

// Public strips the credentials for API and event serialization.
func (u *AuthorizedUser) Public() User {
	return u.User
}
