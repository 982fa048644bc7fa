package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Friend represents a friendship edge between two users. The pair is
// symmetric; which user is "first" is a storage detail.
type Friend struct {
	FirstUserID  uuid.UUID `json:"first_user"`
	SecondUserID uuid.UUID `json:"second_user"`
	CreatedAt    time.Time `json:"created_at"`
}

// Other returns the endpoint of the edge that is not the operating user.
func (f *Friend) Other(operating uuid.UUID) (uuid.UUID, error) {
	switch operating {
	case f.FirstUserID:
		return f.SecondUserID, nil
	case f.SecondUserID:
		return f.FirstUserID, nil
	}
	return uuid.Nil, fmt.Errorf("user %s is not an endpoint of this friendship", operating)
}

// FriendRequest represents a pending friend request.
type FriendRequest struct {
	RequesterID uuid.UUID `json:"requester_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// FriendRequestView is the API/event shape of a friend request relative to
// one of its two users.
type FriendRequestView struct {
	UserID    uuid.UUID `json:"user_id"`
	Incoming  bool      `json:"incoming"`
	CreatedAt time.Time `json:"created_at"`
}

// View renders the request from the operating user's perspective.
func (r *FriendRequest) View(operating uuid.UUID) (FriendRequestView, error) {
	switch operating {
	case r.RecipientID:
		return FriendRequestView{UserID: r.RequesterID, Incoming: true, CreatedAt: r.CreatedAt}, nil
	case r.RequesterID:
		return FriendRequestView{UserID: r.RecipientID, Incoming: false, CreatedAt: r.CreatedAt}, nil
	}
	return FriendRequestView{}, fmt.Errorf("user %s is not part of this request", operating)
}
